package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/connection"
	"github.com/matheus3301/leadsync/internal/contactsync"
	"github.com/matheus3301/leadsync/internal/followup"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/session"
	"github.com/matheus3301/leadsync/internal/status"
	"github.com/matheus3301/leadsync/internal/store"
	"go.uber.org/zap"
)

type fakeSessions struct {
	mu      sync.Mutex
	records map[string]connection.Record
	created []string
}

func (s *fakeSessions) Create(id string) (connection.Record, error) {
	if err := session.ValidateID(id); err != nil {
		return connection.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, id)
	if rec, ok := s.records[id]; ok {
		return rec, nil
	}
	rec := connection.Record{ID: id, Status: status.Initializing}
	s.records[id] = rec
	return rec, nil
}

func (s *fakeSessions) Status(id string) (connection.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *fakeSessions) List() []connection.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]connection.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *fakeSessions) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok
}

type fakeSyncer struct {
	days int
	err  error
}

func (f *fakeSyncer) Sync(_ context.Context, id string, days int) (contactsync.Result, error) {
	f.days = days
	if f.err != nil {
		return contactsync.Result{}, f.err
	}
	return contactsync.Result{Message: "Sync completed", Total: 4}, nil
}

type fakeFollowup struct {
	targets []int
	err     error
}

func (f *fakeFollowup) Followup(_ context.Context, _ string, targets []int) (followup.Result, error) {
	f.targets = targets
	if f.err != nil {
		return followup.Result{}, f.err
	}
	return followup.Result{Message: "Follow-ups sent", Total: 2}, nil
}

type fakeJournal struct {
	entries []store.Followup
	limit   int
}

func (j *fakeJournal) ListFollowups(sessionID string, limit int) ([]store.Followup, error) {
	j.limit = limit
	var out []store.Followup
	for _, e := range j.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type testEnv struct {
	srv      *httptest.Server
	sessions *fakeSessions
	syncer   *fakeSyncer
	followup *fakeFollowup
	journal  *fakeJournal
	bus      *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: &fakeSessions{records: map[string]connection.Record{}},
		syncer:   &fakeSyncer{},
		followup: &fakeFollowup{},
		journal:  &fakeJournal{},
		bus:      bus.New(),
	}
	leads := ledger.NewStore(filepath.Join(t.TempDir(), "data", "chats.xlsx"))
	h := NewHandler(env.sessions, env.syncer, env.followup, leads, env.journal, env.bus, zap.NewNop())
	env.srv = httptest.NewServer(h.Routes())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp, out
}

func TestCreateAndStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/whatsapp/create", `{"id":"sales"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	if body["id"] != "sales" || body["status"] != "INITIALIZING" {
		t.Errorf("create body = %v", body)
	}

	resp, body = env.do(t, http.MethodGet, "/whatsapp/status/sales", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "INITIALIZING" {
		t.Errorf("status = %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/whatsapp/status/nope", "")
	if resp.StatusCode != http.StatusNotFound || body["message"] != "Not found" {
		t.Errorf("unknown status = %d %v", resp.StatusCode, body)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/whatsapp/create", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if len(id) != 8 {
		t.Errorf("generated id = %q, want 8 characters", id)
	}
	if err := session.ValidateID(id); err != nil {
		t.Errorf("generated id is invalid: %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{`{"id":"../etc"}`, `{not json`} {
		resp, out := env.do(t, http.MethodPost, "/whatsapp/create", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d %v, want 400", body, resp.StatusCode, out)
		}
	}
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/whatsapp/create", `{"id":"a"}`)
	env.do(t, http.MethodPost, "/whatsapp/create", `{"id":"b"}`)

	_, body := env.do(t, http.MethodGet, "/whatsapp/list", "")
	list, _ := body["list"].([]any)
	if len(list) != 2 {
		t.Errorf("list = %v", body)
	}

	resp, body := env.do(t, http.MethodDelete, "/whatsapp/a", "")
	if resp.StatusCode != http.StatusOK || body["message"] != "Deleted" {
		t.Errorf("delete = %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodDelete, "/whatsapp/a", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
}

func TestSyncRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/whatsapp/sync/sales?days=7", "")
	if resp.StatusCode != http.StatusOK || body["message"] != "Sync completed" || body["total"] != float64(4) {
		t.Errorf("sync = %d %v", resp.StatusCode, body)
	}
	if env.syncer.days != 7 {
		t.Errorf("days = %d, want 7", env.syncer.days)
	}

	env.do(t, http.MethodPost, "/whatsapp/sync/sales", "")
	if env.syncer.days != 0 {
		t.Errorf("days = %d, want 0 for the configured default", env.syncer.days)
	}

	resp, _ = env.do(t, http.MethodPost, "/whatsapp/sync/sales?days=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad days = %d, want 400", resp.StatusCode)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: sales", connection.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: sales", connection.ErrNotConnected), http.StatusConflict},
		{fmt.Errorf("write: %w", ledger.ErrPersistence), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		env := newTestEnv(t)
		env.syncer.err = tt.err
		resp, body := env.do(t, http.MethodPost, "/whatsapp/sync/sales", "")
		if resp.StatusCode != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
		if msg, _ := body["message"].(string); msg == "" {
			t.Errorf("%v: missing message in %v", tt.err, body)
		}
	}
}

func TestFollowupRoute(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/whatsapp/followup/sales?days=1,x,4", "")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(2) {
		t.Errorf("followup = %d %v", resp.StatusCode, body)
	}
	if len(env.followup.targets) != 2 || env.followup.targets[0] != 1 || env.followup.targets[1] != 4 {
		t.Errorf("targets = %v, want [1 4]", env.followup.targets)
	}

	env.do(t, http.MethodPost, "/whatsapp/followup/sales", "")
	if env.followup.targets != nil {
		t.Errorf("targets = %v, want nil for configured days", env.followup.targets)
	}
}

func TestFollowupJournalRoute(t *testing.T) {
	env := newTestEnv(t)
	env.journal.entries = []store.Followup{
		{SessionID: "sales", Address: "1", DayCounter: 3, Status: store.FollowupSent, CreatedAt: 10},
		{SessionID: "other", Address: "2", DayCounter: 1, Status: store.FollowupFailed, CreatedAt: 11},
	}
	resp, body := env.do(t, http.MethodGet, "/whatsapp/followups/sales?limit=5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, _ := body["followups"].([]any)
	if len(entries) != 1 {
		t.Fatalf("followups = %v", body)
	}
	first := entries[0].(map[string]any)
	if first["number"] != "1" || first["status"] != "sent" {
		t.Errorf("entry = %v", first)
	}
	if env.journal.limit != 5 {
		t.Errorf("limit = %d", env.journal.limit)
	}
}

func TestLeadsRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/leads", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty list = %d", resp.StatusCode)
	}
	if leads, _ := body["leads"].([]any); len(leads) != 0 {
		t.Errorf("leads = %v, want empty", body)
	}

	resp, body = env.do(t, http.MethodPost, "/leads", `{"name":"Ana","number":"5511","source":"Referral"}`)
	if resp.StatusCode != http.StatusCreated || body["status"] != "New" || body["dayCounter"] != float64(0) {
		t.Errorf("add = %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPost, "/leads", `{"number":"5511"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/leads", `{"name":"No number"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing number = %d, want 400", resp.StatusCode)
	}

	_, body = env.do(t, http.MethodGet, "/dashboard/summary", "")
	if body["totalLeads"] != float64(1) || body["repliesPending"] != float64(1) {
		t.Errorf("summary = %v", body)
	}
	sources, _ := body["sources"].(map[string]any)
	if sources["Referral"] != float64(1) {
		t.Errorf("sources = %v", sources)
	}
}

func TestJSONEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q is not one JSON document: %v", rec.Body.String(), err)
	}
	if body["message"] != "failed to encode response" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestHealthHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/whatsapp/events?prefix=session.&session=sales"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// The subscription is registered after the handshake; publish until the
	// first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				env.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Session: "sales"})
				env.bus.Publish(bus.Event{Kind: bus.KindSessionStatus, Session: "other"})
				env.bus.Publish(bus.Event{Kind: bus.KindSessionStatus, Session: "sales"})
			}
		}
	}()

	var evt bus.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Kind != bus.KindSessionStatus || evt.Session != "sales" {
		t.Errorf("event = %+v, want sales status change", evt)
	}
}
