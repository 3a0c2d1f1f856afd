// Package followup sends the templated follow-up message to ledger contacts
// whose day counter matches a target set, one send at a time.
package followup

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/messaging"
	"github.com/matheus3301/leadsync/internal/store"
	"go.uber.org/zap"
)

// DefaultDays are the day counters targeted when none are given.
var DefaultDays = []int{1, 3, 5}

// Sessions resolves connected clients and takes reports of failed calls.
type Sessions interface {
	Connected(id string) (messaging.Client, error)
	Report(id string, err error)
}

// Journal records the outcome of every attempt.
type Journal interface {
	RecordFollowup(f *store.Followup) error
}

// Options tunes dispatch.
type Options struct {
	Days        []int
	Message     string
	SendDelay   time.Duration
	CallTimeout time.Duration
}

// Result is returned by Followup.
type Result struct {
	Message string `json:"message"`
	Total   int    `json:"total"`
}

// Dispatcher sends follow-ups. It reads the ledger and never writes it.
type Dispatcher struct {
	sessions Sessions
	ledger   *ledger.Store
	journal  Journal
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher returns a Dispatcher. journal may be nil.
func NewDispatcher(sessions Sessions, l *ledger.Store, journal Journal, b *bus.Bus, logger *zap.Logger, opts Options) *Dispatcher {
	if len(opts.Days) == 0 {
		opts.Days = DefaultDays
	}
	if opts.SendDelay < 0 {
		opts.SendDelay = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Dispatcher{
		sessions: sessions,
		ledger:   l,
		journal:  journal,
		bus:      b,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		wait:     sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseTargets reads a comma-separated list of day counters. Entries that
// are not positive integers are dropped.
func ParseTargets(s string) []int {
	var out []int
	for part := range strings.SplitSeq(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Followup sends the message to every ledger contact whose day counter,
// recomputed now, is in targets. Empty targets use the configured days.
// Sends are sequential and paced; a contact that cannot be reached is
// logged and skipped.
func (d *Dispatcher) Followup(ctx context.Context, id string, targets []int) (Result, error) {
	client, err := d.sessions.Connected(id)
	if err != nil {
		return Result{}, err
	}
	if len(targets) == 0 {
		targets = d.opts.Days
	}
	l, err := d.ledger.Load()
	if err != nil {
		return Result{}, err
	}
	log := d.logger.With(zap.String("session", id))

	now := d.now()
	var selected []*ledger.Record
	for _, rec := range l.Addressed() {
		if slices.Contains(targets, rec.Age(now)) {
			selected = append(selected, rec)
		}
	}
	log.Info("follow-up started", zap.Ints("days", targets), zap.Int("contacts", len(selected)))

	sent, attempts := 0, 0
	for _, rec := range selected {
		entry := &store.Followup{
			SessionID:  id,
			Address:    rec.Address,
			DayCounter: rec.Age(now),
			Body:       d.opts.Message,
		}

		callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		chat, err := client.ChatByAddress(callCtx, rec.Address)
		cancel()
		if err != nil {
			log.Warn("follow-up target unreachable", zap.String("address", rec.Address), zap.Error(err))
			d.escalate(id, err)
			d.record(entry, store.FollowupSkipped, err)
			continue
		}

		if attempts > 0 {
			if err := d.wait(ctx, d.opts.SendDelay); err != nil {
				return Result{}, err
			}
		}
		attempts++

		callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
		err = chat.Send(callCtx, d.opts.Message)
		cancel()
		if err != nil {
			log.Warn("follow-up send failed", zap.String("address", rec.Address), zap.Error(err))
			d.escalate(id, err)
			d.record(entry, store.FollowupFailed, err)
			continue
		}
		sent++
		d.record(entry, store.FollowupSent, nil)
	}

	res := Result{Message: "Follow-ups sent", Total: sent}
	log.Info("follow-up completed", zap.Int("sent", sent), zap.Int("selected", len(selected)))
	d.bus.Publish(bus.Event{Kind: bus.KindFollowupSent, Session: id, Timestamp: d.now(), Payload: res})
	return res, nil
}

func (d *Dispatcher) record(entry *store.Followup, st store.FollowupStatus, cause error) {
	if d.journal == nil {
		return
	}
	entry.Status = st
	if cause != nil {
		entry.Error = cause.Error()
	}
	entry.CreatedAt = d.now().UnixMilli()
	if err := d.journal.RecordFollowup(entry); err != nil {
		d.logger.Warn("failed to journal follow-up", zap.String("address", entry.Address), zap.Error(err))
	}
}

func (d *Dispatcher) escalate(id string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || messaging.Classify(err) == messaging.KindCrash {
		d.sessions.Report(id, err)
	}
}
