// Package contactsync scans the recent one-to-one chats of a connected
// session and merges the latest interaction per counterparty into the
// contact ledger.
package contactsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/messaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sessions resolves connected clients and takes reports of failed calls.
type Sessions interface {
	Connected(id string) (messaging.Client, error)
	Report(id string, err error)
}

// Options tunes a sync run.
type Options struct {
	DaysBack     int
	Concurrency  int
	MessageLimit int
	CallTimeout  time.Duration
}

// Result is returned by Sync.
type Result struct {
	Message string `json:"message"`
	Total   int    `json:"total"`
}

// Engine runs sync passes.
type Engine struct {
	sessions Sessions
	ledger   *ledger.Store
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewEngine returns an Engine. Zero options take their defaults.
func NewEngine(sessions Sessions, store *ledger.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.DaysBack <= 0 {
		opts.DaysBack = 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 5
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Engine{
		sessions: sessions,
		ledger:   store,
		bus:      b,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// observation is what one chat contributes to the ledger.
type observation struct {
	address     string
	name        string
	lastMessage string
	at          time.Time
	// operatorLast is set when the newest message was sent by the operator.
	operatorLast bool
}

// Sync scans the session's chats and rewrites the ledger. daysBack <= 0
// uses the configured window. A failure on one chat is logged and skips
// that chat only; a ledger failure aborts without writing.
func (e *Engine) Sync(ctx context.Context, id string, daysBack int) (Result, error) {
	client, err := e.sessions.Connected(id)
	if err != nil {
		return Result{}, err
	}
	if daysBack <= 0 {
		daysBack = e.opts.DaysBack
	}
	log := e.logger.With(zap.String("session", id))

	now := e.now()
	threshold := now.AddDate(0, 0, -daysBack)
	log.Info("sync started", zap.Int("days_back", daysBack), zap.Time("threshold", threshold))

	listCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	chats, err := client.Chats(listCtx)
	cancel()
	if err != nil {
		e.escalate(id, err)
		return Result{}, fmt.Errorf("list chats: %w", err)
	}

	var direct []messaging.Chat
	for _, ch := range chats {
		if !ch.IsGroup() {
			direct = append(direct, ch)
		}
	}

	observed := make([]*observation, len(direct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, ch := range direct {
		g.Go(func() error {
			obs, err := e.scan(gctx, ch, threshold)
			if err != nil {
				log.Warn("chat scan failed", zap.String("chat", ch.ID()), zap.Error(err))
				e.escalate(id, err)
				return nil
			}
			observed[i] = obs
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	total, err := e.ledger.Update(func(l *ledger.Ledger) error {
		if n := l.Duplicates(); n > 0 {
			log.Warn("ledger has rows repeating a number, only the first is updated", zap.Int("rows", n))
		}
		for _, rec := range l.Records() {
			rec.Refresh(now)
		}
		for _, obs := range dedupe(observed) {
			merge(l, obs, now)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Message: "Sync completed", Total: total}
	log.Info("sync completed", zap.Int("chats", len(direct)), zap.Int("records", total))
	e.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Session: id, Timestamp: e.now(), Payload: res})
	return res, nil
}

// scan reads one chat. A nil observation means the chat has nothing to
// contribute inside the window.
func (e *Engine) scan(ctx context.Context, ch messaging.Chat, threshold time.Time) (*observation, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	msgs, err := ch.RecentMessages(callCtx, e.opts.MessageLimit)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var (
		latest  = msgs[len(msgs)-1]
		inbound *messaging.Message
		recent  bool
	)
	for i := range msgs {
		m := &msgs[i]
		if m.IsGroup {
			return nil, nil
		}
		if !m.Timestamp.After(threshold) {
			continue
		}
		recent = true
		if !m.FromOperator {
			inbound = m
		}
	}
	if !recent || inbound == nil {
		return nil, nil
	}

	callCtx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
	cp, err := ch.Counterparty(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("resolve counterparty: %w", err)
	}
	if cp.Address == "" {
		return nil, nil
	}

	obs := &observation{
		address:      cp.Address,
		name:         cp.DisplayName,
		lastMessage:  inbound.Body,
		at:           latest.Timestamp,
		operatorLast: latest.FromOperator,
	}
	if obs.name == "" {
		obs.name = ledger.UnknownName
	}
	if obs.lastMessage == "" {
		obs.lastMessage = ledger.NonTextMessage
	}
	return obs, nil
}

// escalate hands timeouts and crashes to the session's error handling.
func (e *Engine) escalate(id string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || messaging.Classify(err) == messaging.KindCrash {
		e.sessions.Report(id, err)
	}
}

// dedupe keeps, per address, the observation with the newest interaction.
// Two chats can resolve to one address when a contact shows up under both
// its phone number and its LID.
func dedupe(observed []*observation) []*observation {
	byAddr := make(map[string]int)
	var out []*observation
	for _, obs := range observed {
		if obs == nil {
			continue
		}
		if i, ok := byAddr[obs.address]; ok {
			if obs.at.After(out[i].at) {
				out[i] = obs
			}
			continue
		}
		byAddr[obs.address] = len(out)
		out = append(out, obs)
	}
	return out
}

// merge applies one observation. New addresses get a New record; known
// ones become Active unless the observation repeats the stored
// interaction, in which case only the day counter moves.
func merge(l *ledger.Ledger, obs *observation, now time.Time) {
	at := ledger.FormatInteraction(obs.at.In(now.Location()))
	days := ledger.CalendarDays(now, obs.at)

	rec, ok := l.Get(obs.address)
	if !ok {
		l.Put(&ledger.Record{
			Name:              obs.name,
			Address:           obs.address,
			LastMessage:       obs.lastMessage,
			LastInteractionAt: at,
			DayCounter:        days,
			Status:            ledger.StatusNew,
			Source:            ledger.SourceWhatsApp,
		})
		return
	}

	rec.DayCounter = days
	if rec.LastInteractionAt == at {
		return
	}
	rec.LastMessage = obs.lastMessage
	rec.LastInteractionAt = at
	rec.Status = ledger.StatusActive
	rec.Replied = obs.operatorLast
}
