package ledger

// Ledger is the in-memory, address-keyed view of the ledger file. Rows
// without an address, and file rows repeating an address already seen, are
// kept verbatim but can never be merge targets.
type Ledger struct {
	order      []string
	byAddress  map[string]*Record
	orphans    []*Record
	duplicates int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{byAddress: make(map[string]*Record)}
}

// Get returns the record for address.
func (l *Ledger) Get(address string) (*Record, bool) {
	r, ok := l.byAddress[address]
	return r, ok
}

// Put inserts r, or replaces the record with the same address in place.
func (l *Ledger) Put(r *Record) {
	if r.Address == "" {
		l.orphans = append(l.orphans, r)
		return
	}
	if _, ok := l.byAddress[r.Address]; !ok {
		l.order = append(l.order, r.Address)
	}
	l.byAddress[r.Address] = r
}

// load appends a row read from the file. The first row of an address is
// its merge target; later rows with the same address are kept as orphans.
func (l *Ledger) load(r *Record) {
	if _, ok := l.byAddress[r.Address]; ok && r.Address != "" {
		l.duplicates++
		l.orphans = append(l.orphans, r)
		return
	}
	l.Put(r)
}

// Duplicates returns how many loaded rows repeated an earlier address.
func (l *Ledger) Duplicates() int {
	return l.duplicates
}

// Records returns every record: addressed ones in first-seen order, then
// rows without an address.
func (l *Ledger) Records() []*Record {
	out := make([]*Record, 0, l.Len())
	for _, addr := range l.order {
		out = append(out, l.byAddress[addr])
	}
	return append(out, l.orphans...)
}

// Addressed returns the merge targets in first-seen order, one per address.
func (l *Ledger) Addressed() []*Record {
	out := make([]*Record, 0, len(l.order))
	for _, addr := range l.order {
		out = append(out, l.byAddress[addr])
	}
	return out
}

// Len returns the number of rows the ledger would write.
func (l *Ledger) Len() int {
	return len(l.order) + len(l.orphans)
}
