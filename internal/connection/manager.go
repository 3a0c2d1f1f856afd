// Package connection supervises the named messaging sessions of the daemon:
// it creates and tears them down, tracks their lifecycle state, persists the
// set of known ids and restarts a crashed session once under the alternate
// start-up mode.
package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/messaging"
	"github.com/matheus3301/leadsync/internal/session"
	"github.com/matheus3301/leadsync/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an id with no registered session.
	ErrNotFound = errors.New("session not found")
	// ErrNotConnected is returned when a session is absent or not connected.
	ErrNotConnected = errors.New("session not connected")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Record is the externally visible snapshot of a session.
type Record struct {
	ID           string       `json:"id"`
	Status       status.State `json:"status"`
	LastActivity *time.Time   `json:"lastActivity"`
	// PendingCode is a PNG data URL, set only while Status is QR.
	PendingCode string `json:"qr,omitempty"`
}

// Options tunes the manager.
type Options struct {
	// BaseDir holds sessions.json and every session's isolated state.
	BaseDir string
	// StartAttempts bounds how often a client start is tried.
	StartAttempts int
	// StartBackoff is the first retry interval; later ones grow exponentially.
	StartBackoff time.Duration
}

type entry struct {
	rec    Record
	client messaging.Client
	mode   messaging.Mode
	// retry allows one self-heal restart. Restarted entries have it off.
	retry bool
	gen   uint64
	stop  context.CancelFunc
}

func (e *entry) snapshot() Record {
	rec := e.rec
	if e.rec.LastActivity != nil {
		t := *e.rec.LastActivity
		rec.LastActivity = &t
	}
	return rec
}

// Manager owns the session registry. The mutex guards the map and entry
// fields only; client construction, start, stop and file writes happen
// outside it.
type Manager struct {
	opts    Options
	factory messaging.Factory
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool

	persistMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager returns an empty manager. Call Restore to bring back the
// sessions of a previous run.
func NewManager(opts Options, factory messaging.Factory, b *bus.Bus, logger *zap.Logger) *Manager {
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = 3
	}
	if opts.StartBackoff <= 0 {
		opts.StartBackoff = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		factory: factory,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Create registers and starts a session. If id is already registered its
// current record is returned and nothing else happens. Connecting continues
// in the background.
func (m *Manager) Create(id string) (Record, error) {
	return m.create(id, messaging.ModeStandard, true, true)
}

func (m *Manager) create(id string, mode messaging.Mode, retry, persist bool) (Record, error) {
	if err := session.ValidateID(id); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrClosed
	}
	if e, ok := m.entries[id]; ok {
		rec := e.snapshot()
		m.mu.Unlock()
		m.logger.Debug("session already exists", zap.String("session", id))
		return rec, nil
	}
	m.gen++
	gen := m.gen
	ctx, stop := context.WithCancel(m.ctx)
	e := &entry{
		rec:   Record{ID: id, Status: status.Initializing},
		mode:  mode,
		retry: retry,
		gen:   gen,
		stop:  stop,
	}
	m.entries[id] = e
	m.mu.Unlock()

	log := m.logger.With(zap.String("session", id), zap.Stringer("mode", mode))
	log.Info("starting session", zap.Bool("retry", retry))

	client, err := m.newClient(id, gen, mode)
	if err != nil {
		stop()
		m.mu.Lock()
		if cur, ok := m.entries[id]; ok && cur.gen == gen {
			delete(m.entries, id)
		}
		m.mu.Unlock()
		return Record{}, err
	}

	m.mu.Lock()
	cur, ok := m.entries[id]
	if !ok || cur.gen != gen || m.closed {
		// Deleted, or the manager closed, while the client was being built.
		if ok && cur.gen == gen {
			delete(m.entries, id)
		}
		closed := m.closed
		m.mu.Unlock()
		stop()
		m.stopClient(log, client)
		if closed {
			return Record{}, ErrClosed
		}
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur.client = client
	rec := cur.snapshot()
	m.wg.Add(1)
	m.mu.Unlock()

	m.publishStatus(id, "", status.Initializing)
	if persist {
		m.persist()
	}

	go m.start(ctx, id, gen, client)
	return rec, nil
}

func (m *Manager) newClient(id string, gen uint64, mode messaging.Mode) (messaging.Client, error) {
	if err := session.EnsureDir(m.opts.BaseDir, id); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	handler := func(evt messaging.Event) { m.handle(id, gen, evt) }
	client, err := m.factory(id, session.Dir(m.opts.BaseDir, id), mode, handler)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", id, err)
	}
	return client, nil
}

// start runs client.Start with bounded exponential backoff. When every
// attempt fails the session is marked disconnected.
func (m *Manager) start(ctx context.Context, id string, gen uint64, client messaging.Client) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("session", id))

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.StartBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if !m.current(id, gen) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, id))
		}
		return struct{}{}, client.Start(ctx)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(m.opts.StartAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("session start failed, retrying", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrNotFound) {
		return
	}
	log.Error("session start gave up", zap.Int("attempts", m.opts.StartAttempts), zap.Error(err))
	m.handle(id, gen, messaging.Event{Type: messaging.EventDisconnected, Reason: "start failed: " + err.Error()})
}

func (m *Manager) current(id string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.gen == gen && !m.closed
}

// handle applies a client event to the session's state. Events from a
// client that has since been replaced or removed are dropped.
func (m *Manager) handle(id string, gen uint64, evt messaging.Event) {
	log := m.logger.With(zap.String("session", id))

	var code string
	if evt.Type == messaging.EventCodeIssued {
		var err error
		if code, err = renderCode(evt.Code); err != nil {
			log.Warn("keeping raw pairing code", zap.Error(err))
			code = evt.Code
		}
	}

	switch evt.Type {
	case messaging.EventError:
		log.Warn("session error", zap.Stringer("kind", evt.Kind), zap.Error(evt.Err))
	case messaging.EventDisconnected:
		log.Warn("session disconnected", zap.String("reason", evt.Reason))
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	from := e.rec.Status
	to, eff, err := status.Next(from, evt)
	if err != nil {
		m.mu.Unlock()
		log.Warn("ignoring session event", zap.Error(err))
		return
	}
	e.rec.Status = to
	if eff.StoreCode {
		e.rec.PendingCode = code
	}
	if eff.ClearCode {
		e.rec.PendingCode = ""
	}
	if eff.StampActivity {
		now := m.now()
		e.rec.LastActivity = &now
	}
	heal := eff.SelfHeal && e.retry
	mode := e.mode
	if heal {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	switch {
	case evt.Type == messaging.EventCodeIssued && from != status.AwaitingCode:
		log.Info("pairing code issued")
	case to == status.Connected && from != status.Connected:
		log.Info("session connected")
	}
	if from != to {
		m.publishStatus(id, from, to)
	}
	if eff.Persist {
		m.persist()
	}
	switch {
	case heal:
		go m.selfHeal(id, gen, mode)
	case eff.SelfHeal:
		log.Error("restarted session crashed again, leaving it disconnected")
	}
}

// selfHeal replaces a crashed client by a fresh one started under the
// alternate mode, with further self-heal disabled.
func (m *Manager) selfHeal(id string, gen uint64, mode messaging.Mode) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("session", id))
	next := mode.Alternate()
	log.Warn("session crashed, restarting", zap.Stringer("from", mode), zap.Stringer("to", next))

	if !m.remove(id, gen, false) {
		return
	}
	if _, err := m.create(id, next, false, false); err != nil {
		log.Error("self-heal restart failed", zap.Error(err))
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotFound) {
			m.park(id)
		}
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionRestarted,
		Session:   id,
		Timestamp: m.now(),
		Payload:   map[string]string{"mode": next.String()},
	})
}

// park keeps a session whose restart could not build a client registered
// as disconnected, with no client and self-heal off, so it stays listed and
// persisted until it is deleted.
func (m *Manager) park(id string) {
	m.mu.Lock()
	if _, ok := m.entries[id]; ok || m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.entries[id] = &entry{
		rec:  Record{ID: id, Status: status.Disconnected},
		mode: messaging.ModeStandard,
		gen:  m.gen,
		stop: func() {},
	}
	m.mu.Unlock()

	m.publishStatus(id, status.Initializing, status.Disconnected)
	m.persist()
}

// Status returns a snapshot of one session.
func (m *Manager) Status(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// List returns a snapshot of every session, ordered by id.
func (m *Manager) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Delete stops the session, removes its authentication state and forgets
// it. It reports whether the session existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	gen := uint64(0)
	if ok {
		gen = e.gen
	}
	m.mu.Unlock()
	if !ok || !m.remove(id, gen, true) {
		return false
	}
	m.persist()
	m.bus.Publish(bus.Event{Kind: bus.KindSessionDeleted, Session: id, Timestamp: m.now()})
	return true
}

// remove drops generation gen of id from the registry and stops its client.
// With purge set the session directory is deleted too. Teardown failures
// are logged.
func (m *Manager) remove(id string, gen uint64, purge bool) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, id)
	m.mu.Unlock()

	log := m.logger.With(zap.String("session", id))
	e.stop()
	if e.client != nil {
		m.stopClient(log, e.client)
	}
	if purge {
		if err := session.Remove(m.opts.BaseDir, id); err != nil {
			log.Error("failed to remove session state", zap.Error(err))
		}
	}
	log.Info("session removed", zap.Bool("purged", purge))
	return true
}

func (m *Manager) stopClient(log *zap.Logger, client messaging.Client) {
	if err := client.Stop(); err != nil {
		log.Warn("client teardown failed", zap.Error(err))
	}
}

// Resolve returns the live client of a session regardless of its status.
func (m *Manager) Resolve(id string) (messaging.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.client == nil {
		return nil, false
	}
	return e.client, true
}

// Connected returns the client of a session that is currently connected.
func (m *Manager) Connected(id string) (messaging.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.client == nil || e.rec.Status != status.Connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return e.client, nil
}

// Report routes a failure observed while using a session's client into the
// session's error handling. A crash triggers self-heal as if the client had
// reported it.
func (m *Manager) Report(id string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[id]
	gen := uint64(0)
	if ok {
		gen = e.gen
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.handle(id, gen, messaging.Event{Type: messaging.EventError, Kind: messaging.Classify(err), Err: err})
}

// Restore recreates the sessions listed in the id file without rewriting
// it. A session that fails to come back is logged and skipped.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := loadIDs(session.RegistryPath(m.opts.BaseDir))
	if err != nil {
		m.logger.Error("failed to load session ids", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.create(id, messaging.ModeStandard, true, false); err != nil {
			m.logger.Error("failed to restore session", zap.String("session", id), zap.Error(err))
		}
	}
	m.logger.Info("sessions restored", zap.Int("count", len(ids)))
	return nil
}

// Close stops every client. Authentication state and the id file are left
// untouched so the next run can restore them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.cancel()
	for _, e := range entries {
		if e.client != nil {
			m.stopClient(m.logger.With(zap.String("session", e.rec.ID)), e.client)
		}
	}
	m.wg.Wait()
}

// persist rewrites the id file. Failures are logged only; the registry
// keeps working in memory.
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if err := saveIDs(session.RegistryPath(m.opts.BaseDir), ids); err != nil {
		m.logger.Error("failed to persist session ids", zap.Error(err))
	}
}

func (m *Manager) publishStatus(id string, from, to status.State) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionStatus,
		Session:   id,
		Timestamp: m.now(),
		Payload:   status.StatusChange{From: from, To: to},
	})
}
