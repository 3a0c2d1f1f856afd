package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned when a lead's address is already in the ledger.
	ErrDuplicate = errors.New("contact already in ledger")
	// ErrInvalidLead is returned for lead input that cannot become a record.
	ErrInvalidLead = errors.New("invalid lead")
)

// Store owns the ledger file. Load-modify-write sequences issued through one
// Store are serialized; writers outside the process still race last-writer-wins.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns a Store for the xlsx file at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// SetClock replaces the time source used for lead timestamps and summaries.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the ledger file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the current ledger.
func (s *Store) Load() (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(s.path)
}

// Update loads the ledger, applies fn and writes the result back as a full
// snapshot. If fn fails nothing is written. It returns the number of rows
// written.
func (s *Store) Update(fn func(*Ledger) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := readFile(s.path)
	if err != nil {
		return 0, err
	}
	if err := fn(l); err != nil {
		return 0, err
	}
	if err := writeFile(s.path, l); err != nil {
		return 0, err
	}
	return l.Len(), nil
}

// Lead is operator input for a manually entered contact.
type Lead struct {
	Name    string `json:"name"`
	Number  string `json:"number"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Replies bool   `json:"replies"`
	Notes   string `json:"notes"`
	Source  string `json:"source"`
}

// AddLead appends a record built from lead, stamped with the current time
// and a zero day counter.
func (s *Store) AddLead(lead Lead) (*Record, error) {
	number := strings.TrimSpace(lead.Number)
	if number == "" {
		return nil, fmt.Errorf("%w: number is required", ErrInvalidLead)
	}
	st := Status(strings.TrimSpace(lead.Status))
	switch st {
	case "":
		st = StatusNew
	case StatusNew, StatusActive:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidLead, lead.Status)
	}
	name := strings.TrimSpace(lead.Name)
	if name == "" {
		name = UnknownName
	}

	rec := &Record{
		Name:              name,
		Address:           number,
		LastMessage:       lead.Message,
		LastInteractionAt: FormatInteraction(s.now()),
		Status:            st,
		Replied:           lead.Replies,
		Notes:             lead.Notes,
		Source:            strings.TrimSpace(lead.Source),
	}
	_, err := s.Update(func(l *Ledger) error {
		if _, ok := l.Get(number); ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, number)
		}
		l.Put(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every record with its day counter recomputed to now. The
// file is not modified.
func (s *Store) List() ([]*Record, error) {
	l, err := s.Load()
	if err != nil {
		return nil, err
	}
	now := s.now()
	recs := l.Records()
	for _, r := range recs {
		r.Refresh(now)
	}
	return recs, nil
}

// Summary aggregates the ledger for the dashboard.
type Summary struct {
	TotalLeads     int            `json:"totalLeads"`
	Sources        map[string]int `json:"sources"`
	StatusCount    map[string]int `json:"statusCount"`
	RepliesDone    int            `json:"repliesDone"`
	RepliesPending int            `json:"repliesPending"`
	ActiveCount    int            `json:"activeCount"`
}

// Summarize counts records by source, status and reply state. Empty source
// and status are counted as "Unknown".
func Summarize(recs []*Record) Summary {
	sum := Summary{
		TotalLeads:  len(recs),
		Sources:     make(map[string]int),
		StatusCount: make(map[string]int),
	}
	for _, r := range recs {
		sum.Sources[orUnknown(r.Source)]++
		sum.StatusCount[orUnknown(string(r.Status))]++
		if r.Replied {
			sum.RepliesDone++
		} else {
			sum.RepliesPending++
		}
	}
	sum.ActiveCount = sum.StatusCount[string(StatusActive)]
	return sum
}

// Summary loads the ledger and summarizes it.
func (s *Store) Summary() (Summary, error) {
	l, err := s.Load()
	if err != nil {
		return Summary{}, err
	}
	return Summarize(l.Records()), nil
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownName
	}
	return s
}
