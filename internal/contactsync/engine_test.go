package contactsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/messaging"
	"go.uber.org/zap"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var errNotConnected = errors.New("not connected")

type fakeChat struct {
	id      string
	group   bool
	cp      messaging.Counterparty
	msgs    []messaging.Message
	msgErr  error
	delay   time.Duration
	tracker *inflight
}

func (c *fakeChat) ID() string    { return c.id }
func (c *fakeChat) IsGroup() bool { return c.group }

func (c *fakeChat) RecentMessages(ctx context.Context, limit int) ([]messaging.Message, error) {
	if c.tracker != nil {
		c.tracker.enter()
		defer c.tracker.leave()
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.msgErr != nil {
		return nil, c.msgErr
	}
	if len(c.msgs) > limit {
		return c.msgs[len(c.msgs)-limit:], nil
	}
	return c.msgs, nil
}

func (c *fakeChat) Counterparty(context.Context) (messaging.Counterparty, error) {
	return c.cp, nil
}

func (c *fakeChat) Send(context.Context, string) error { return nil }

type fakeClient struct {
	chats []messaging.Chat
}

func (c *fakeClient) Start(context.Context) error { return nil }
func (c *fakeClient) Stop() error                 { return nil }

func (c *fakeClient) Chats(context.Context) ([]messaging.Chat, error) { return c.chats, nil }

func (c *fakeClient) ChatByAddress(context.Context, string) (messaging.Chat, error) {
	return nil, messaging.ErrChatNotFound
}

type fakeSessions struct {
	client messaging.Client

	mu      sync.Mutex
	reports []error
}

func (s *fakeSessions) Connected(id string) (messaging.Client, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: %s", errNotConnected, id)
	}
	return s.client, nil
}

func (s *fakeSessions) Report(_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, err)
}

// inflight tracks the peak number of concurrent calls.
type inflight struct {
	cur, peak atomic.Int32
}

func (f *inflight) enter() {
	n := f.cur.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (f *inflight) leave() { f.cur.Add(-1) }

func newTestEngine(t *testing.T, client messaging.Client) (*Engine, *ledger.Store, *fakeSessions) {
	t.Helper()
	store := ledger.NewStore(filepath.Join(t.TempDir(), "data", "chats.xlsx"))
	store.SetClock(func() time.Time { return now })
	sessions := &fakeSessions{client: client}
	e := NewEngine(sessions, store, bus.New(), zap.NewNop(), Options{CallTimeout: time.Second})
	e.now = func() time.Time { return now }
	return e, store, sessions
}

func inbound(ago time.Duration, body string) messaging.Message {
	return messaging.Message{Timestamp: now.Add(-ago), Body: body}
}

func outbound(ago time.Duration, body string) messaging.Message {
	return messaging.Message{Timestamp: now.Add(-ago), Body: body, FromOperator: true}
}

func directChat(number, name string, msgs ...messaging.Message) *fakeChat {
	return &fakeChat{
		id:   number + "@s.whatsapp.net",
		cp:   messaging.Counterparty{Address: number, DisplayName: name},
		msgs: msgs,
	}
}

func loadRecords(t *testing.T, store *ledger.Store) map[string]ledger.Record {
	t.Helper()
	l, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]ledger.Record)
	for _, r := range l.Records() {
		out[r.Address] = *r
	}
	return out
}

func TestSyncCreatesNewRecord(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("5511999", "Alice", inbound(24*time.Hour, "is this still available?")),
	}}
	e, store, _ := newTestEngine(t, client)

	res, err := e.Sync(context.Background(), "sales", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Message != "Sync completed" {
		t.Errorf("result = %+v", res)
	}

	rec, ok := loadRecords(t, store)["5511999"]
	if !ok {
		t.Fatal("record not created")
	}
	if rec.Status != ledger.StatusNew || rec.DayCounter != 1 || rec.Replied {
		t.Errorf("record = %+v, want New, dayCounter=1, replied=false", rec)
	}
	if rec.Name != "Alice" || rec.Source != ledger.SourceWhatsApp {
		t.Errorf("record = %+v", rec)
	}
	if rec.LastInteractionAt != "2025-03-09 12:00:00" {
		t.Errorf("lastInteractionAt = %q", rec.LastInteractionAt)
	}
}

func TestSyncDefaultsForUnknownNameAndNonText(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("5511999", "", inbound(time.Hour, "")),
	}}
	e, store, _ := newTestEngine(t, client)

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	rec := loadRecords(t, store)["5511999"]
	if rec.Name != ledger.UnknownName || rec.LastMessage != ledger.NonTextMessage {
		t.Errorf("record = %+v", rec)
	}
}

func TestSyncIdempotent(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("5511999", "Alice", inbound(24*time.Hour, "hi")),
		directChat("5511888", "Bob", inbound(30*time.Hour, "hello"), outbound(2*time.Hour, "sure")),
	}}
	e, store, _ := newTestEngine(t, client)

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	first := loadRecords(t, store)
	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	second := loadRecords(t, store)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("ledger changed on resync:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if second["5511999"].Status != ledger.StatusNew {
		t.Errorf("re-observed record became %s, want New", second["5511999"].Status)
	}
}

func TestSyncUpdatesExistingRecord(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("5511999", "Alice Renamed",
			inbound(26*time.Hour, "what is the price?"),
			outbound(3*time.Hour, "it is 10"),
		),
	}}
	e, store, _ := newTestEngine(t, client)

	_, err := store.Update(func(l *ledger.Ledger) error {
		l.Put(&ledger.Record{
			Name:              "Alice",
			Address:           "5511999",
			LastMessage:       "old",
			LastInteractionAt: "2025-03-01 08:00:00",
			DayCounter:        9,
			Status:            ledger.StatusActive,
			Notes:             "called twice",
			Source:            "Instagram",
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	rec := loadRecords(t, store)["5511999"]
	if !rec.Replied || rec.Status != ledger.StatusActive {
		t.Errorf("record = %+v, want replied=true, Active", rec)
	}
	if rec.LastMessage != "what is the price?" {
		t.Errorf("lastMessage = %q, want latest inbound text", rec.LastMessage)
	}
	if rec.LastInteractionAt != "2025-03-10 09:00:00" || rec.DayCounter != 0 {
		t.Errorf("interaction = %q day %d", rec.LastInteractionAt, rec.DayCounter)
	}
	if rec.Notes != "called twice" || rec.Source != "Instagram" || rec.Name != "Alice" {
		t.Errorf("operator fields changed: %+v", rec)
	}
}

func TestSyncRefreshesUntouchedCounters(t *testing.T) {
	e, store, _ := newTestEngine(t, &fakeClient{})
	_, err := store.Update(func(l *ledger.Ledger) error {
		l.Put(&ledger.Record{Address: "1", LastInteractionAt: "2025-03-05 10:00:00", DayCounter: 1})
		l.Put(&ledger.Record{Address: "2", LastInteractionAt: "not a date", DayCounter: 4})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	recs := loadRecords(t, store)
	if recs["1"].DayCounter != 5 {
		t.Errorf("dayCounter = %d, want 5", recs["1"].DayCounter)
	}
	if recs["2"].DayCounter != 4 {
		t.Errorf("unparseable record counter = %d, want 4 kept", recs["2"].DayCounter)
	}
}

func TestSyncExcludesGroupChats(t *testing.T) {
	group := directChat("120363", "Team", inbound(time.Hour, "meeting at 3"))
	group.group = true
	flagged := directChat("5511777", "Mixed", messaging.Message{Timestamp: now.Add(-time.Hour), Body: "x", IsGroup: true})

	e, store, _ := newTestEngine(t, &fakeClient{chats: []messaging.Chat{group, flagged}})
	res, err := e.Sync(context.Background(), "sales", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 || len(loadRecords(t, store)) != 0 {
		t.Errorf("group chats produced records: %+v", loadRecords(t, store))
	}
}

func TestSyncSkipsStaleAndOutboundOnlyChats(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("1", "Stale", inbound(72*time.Hour, "old news")),
		directChat("2", "Quiet", inbound(72*time.Hour, "old"), outbound(time.Hour, "ping")),
		directChat("3", "Fresh", inbound(time.Hour, "new")),
	}}
	e, store, _ := newTestEngine(t, client)

	if _, err := e.Sync(context.Background(), "sales", 2); err != nil {
		t.Fatal(err)
	}
	recs := loadRecords(t, store)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1: %+v", len(recs), recs)
	}
	if _, ok := recs["3"]; !ok {
		t.Error("fresh chat missing")
	}
}

func TestSyncWiderWindow(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{
		directChat("1", "Stale", inbound(72*time.Hour, "old news")),
	}}
	e, store, _ := newTestEngine(t, client)

	if _, err := e.Sync(context.Background(), "sales", 7); err != nil {
		t.Fatal(err)
	}
	if rec := loadRecords(t, store)["1"]; rec.DayCounter != 3 {
		t.Errorf("record = %+v, want dayCounter 3", rec)
	}
}

func TestSyncConcurrencyCeiling(t *testing.T) {
	tracker := &inflight{}
	var chats []messaging.Chat
	for i := range 25 {
		ch := directChat(fmt.Sprintf("55110%02d", i), "", inbound(time.Hour, "hi"))
		ch.delay = 20 * time.Millisecond
		ch.tracker = tracker
		chats = append(chats, ch)
	}
	e, _, _ := newTestEngine(t, &fakeClient{chats: chats})

	res, err := e.Sync(context.Background(), "sales", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 25 {
		t.Errorf("total = %d, want 25", res.Total)
	}
	if peak := tracker.peak.Load(); peak > 10 {
		t.Errorf("peak in-flight scans = %d, want <= 10", peak)
	}
}

func TestSyncChatFailureIsIsolated(t *testing.T) {
	broken := directChat("1", "Broken")
	broken.msgErr = fmt.Errorf("%w: fetch", messaging.ErrTransport)
	crashed := directChat("2", "Crashed")
	crashed.msgErr = fmt.Errorf("%w: target closed", messaging.ErrCrashed)
	ok := directChat("3", "Fine", inbound(time.Hour, "hi"))

	e, store, sessions := newTestEngine(t, &fakeClient{chats: []messaging.Chat{broken, crashed, ok}})
	res, err := e.Sync(context.Background(), "sales", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(loadRecords(t, store)) != 1 {
		t.Errorf("total = %d, want 1", res.Total)
	}
	if len(sessions.reports) != 1 || !errors.Is(sessions.reports[0], messaging.ErrCrashed) {
		t.Errorf("reports = %v, want the crash only", sessions.reports)
	}
}

func TestSyncTimeoutIsReported(t *testing.T) {
	slow := directChat("1", "Slow", inbound(time.Hour, "hi"))
	slow.delay = time.Second

	e, store, sessions := newTestEngine(t, &fakeClient{chats: []messaging.Chat{slow}})
	e.opts.CallTimeout = 10 * time.Millisecond

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	if len(loadRecords(t, store)) != 0 {
		t.Error("timed-out chat produced a record")
	}
	if len(sessions.reports) != 1 || !errors.Is(sessions.reports[0], context.DeadlineExceeded) {
		t.Errorf("reports = %v, want one deadline error", sessions.reports)
	}
}

func TestSyncNotConnected(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)

	if _, err := e.Sync(context.Background(), "sales", 0); !errors.Is(err, errNotConnected) {
		t.Errorf("err = %v, want not connected", err)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("ledger written for a disconnected session")
	}
}

func TestSyncPersistenceFailureAborts(t *testing.T) {
	client := &fakeClient{chats: []messaging.Chat{directChat("1", "A", inbound(time.Hour, "hi"))}}
	e, store, _ := newTestEngine(t, client)

	if err := os.MkdirAll(filepath.Dir(store.Path()), 0755); err != nil {
		t.Fatal(err)
	}
	garbage := []byte("not a workbook")
	if err := os.WriteFile(store.Path(), garbage, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Sync(context.Background(), "sales", 0); !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	got, _ := os.ReadFile(store.Path())
	if string(got) != string(garbage) {
		t.Error("ledger file modified after failed sync")
	}
}

func TestSyncPublishesCompletion(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeClient{chats: []messaging.Chat{directChat("1", "A", inbound(time.Hour, "hi"))}})
	ch, unsub := e.bus.Subscribe("sync.", 4)
	defer unsub()

	if _, err := e.Sync(context.Background(), "sales", 0); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSyncCompleted || evt.Session != "sales" {
			t.Errorf("event = %+v", evt)
		}
	default:
		t.Fatal("no sync.completed event")
	}
}

func TestDedupeKeepsNewest(t *testing.T) {
	older := &observation{address: "1", at: now.Add(-time.Hour), lastMessage: "old"}
	newer := &observation{address: "1", at: now, lastMessage: "new"}
	out := dedupe([]*observation{older, nil, newer})
	if len(out) != 1 || out[0].lastMessage != "new" {
		t.Errorf("dedupe = %+v", out)
	}
}
