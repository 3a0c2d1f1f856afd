// Package ledger persists the contact ledger: one spreadsheet row per
// counterparty address, read whole, mutated in memory and rewritten whole.
package ledger

import (
	"strings"
	"time"
)

// InteractionLayout is the on-disk format of LastInteractionAt.
const InteractionLayout = "2006-01-02 15:04:05"

// Status of a contact record.
type Status string

const (
	StatusNew    Status = "New"
	StatusActive Status = "Active"
)

// Defaults applied to records created by sync.
const (
	UnknownName    = "Unknown"
	NonTextMessage = "[non-text message]"
	SourceWhatsApp = "WhatsApp"
)

// Columns is the fixed header row of the ledger sheet.
var Columns = []string{
	"Name", "Number", "Last Message", "Last Interaction Date",
	"Day Counter", "Status", "Replies", "Notes", "Source",
}

// Record is one contact. Address is the merge key; Notes and Source are
// operator-owned and never written by sync.
type Record struct {
	Name              string `json:"name"`
	Address           string `json:"number"`
	LastMessage       string `json:"lastMessage"`
	LastInteractionAt string `json:"lastInteractionAt"`
	DayCounter        int    `json:"dayCounter"`
	Status            Status `json:"status"`
	Replied           bool   `json:"replied"`
	Notes             string `json:"notes"`
	Source            string `json:"source"`
}

// FormatInteraction renders t in the ledger's timestamp format.
func FormatInteraction(t time.Time) string {
	return t.Format(InteractionLayout)
}

// ParseInteraction parses a ledger timestamp in loc.
func ParseInteraction(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(InteractionLayout, strings.TrimSpace(s), loc)
}

// CalendarDays returns the number of calendar days between the day of t and
// the day of now, both taken in now's location.
func CalendarDays(now, t time.Time) int {
	y1, m1, d1 := t.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

// Age returns the record's day counter relative to now: recomputed from
// LastInteractionAt when it parses, the stored counter otherwise.
func (r *Record) Age(now time.Time) int {
	t, err := ParseInteraction(r.LastInteractionAt, now.Location())
	if err != nil {
		return r.DayCounter
	}
	return CalendarDays(now, t)
}

// Refresh recomputes DayCounter relative to now.
func (r *Record) Refresh(now time.Time) {
	r.DayCounter = r.Age(now)
}
