package wa

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/leadsync/internal/messaging"
	"github.com/matheus3301/leadsync/internal/store"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		evt      any
		mode     messaging.Mode
		wantOK   bool
		wantType messaging.EventType
		wantKind messaging.Kind
	}{
		{"connected", &events.Connected{}, messaging.ModeStandard, true, messaging.EventReady, 0},
		{"drop in standard mode is silent", &events.Disconnected{}, messaging.ModeStandard, false, "", 0},
		{"drop in fallback mode surfaces", &events.Disconnected{}, messaging.ModeFallback, true, messaging.EventDisconnected, 0},
		{"logged out", &events.LoggedOut{}, messaging.ModeStandard, true, messaging.EventDisconnected, 0},
		{"stream replaced", &events.StreamReplaced{}, messaging.ModeStandard, true, messaging.EventDisconnected, 0},
		{"temporary ban", &events.TemporaryBan{Expire: time.Hour}, messaging.ModeStandard, true, messaging.EventDisconnected, 0},
		{"stream error", &events.StreamError{Code: "515"}, messaging.ModeStandard, true, messaging.EventError, messaging.KindCrash},
		{"connect failure", &events.ConnectFailure{Message: "boom"}, messaging.ModeFallback, true, messaging.EventError, messaging.KindCrash},
		{"single keep-alive miss", &events.KeepAliveTimeout{ErrorCount: 1}, messaging.ModeStandard, true, messaging.EventError, messaging.KindTransient},
		{"third keep-alive miss", &events.KeepAliveTimeout{ErrorCount: 3}, messaging.ModeStandard, true, messaging.EventError, messaging.KindCrash},
		{"message is not lifecycle", &events.Message{}, messaging.ModeStandard, false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := Classify(tt.evt, tt.mode)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if evt.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", evt.Type, tt.wantType)
			}
			if evt.Type != messaging.EventError {
				return
			}
			if evt.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", evt.Kind, tt.wantKind)
			}
			if got := messaging.Classify(evt.Err); got != tt.wantKind {
				t.Errorf("messaging.Classify(Err) = %s, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestClassifyCrashWrapsSentinel(t *testing.T) {
	evt, _ := Classify(&events.StreamError{Code: "401"}, messaging.ModeStandard)
	if !errors.Is(evt.Err, messaging.ErrCrashed) {
		t.Errorf("err = %v, want wrapping ErrCrashed", evt.Err)
	}
}

func newTestIngester(t *testing.T) (*ingester, *store.DB) {
	t.Helper()
	db, err := store.OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &ingester{cache: db, logger: zap.NewNop()}, db
}

func TestIngestLiveMessage(t *testing.T) {
	in, db := newTestIngester(t)
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	in.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "M1",
			PushName:  "Alice",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "5511999", Server: types.DefaultUserServer},
				Sender: types.JID{User: "5511999", Server: types.DefaultUserServer, Device: 2},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi there")},
	})

	msgs, err := db.RecentMessages("5511999@s.whatsapp.net", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hi there" || msgs[0].Timestamp != ts.UnixMilli() {
		t.Fatalf("messages = %+v", msgs)
	}

	chat, err := db.GetChat("5511999@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.Name != "Alice" {
		t.Errorf("chat = %+v, want name from push name", chat)
	}
}

func TestIngestGroupMessageKeepsGroupFlag(t *testing.T) {
	in, db := newTestIngester(t)

	in.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "G1",
			PushName:  "Bob",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:    types.JID{User: "120363", Server: types.GroupServer},
				Sender:  types.JID{User: "5511888", Server: types.DefaultUserServer},
				IsGroup: true,
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("group hello")},
	})

	chat, err := db.GetChat("120363@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || !chat.IsGroup {
		t.Errorf("chat = %+v, want group", chat)
	}
	if c, _ := db.GetContact("5511888@s.whatsapp.net"); c != nil {
		t.Errorf("group sender should not become a contact, got %+v", c)
	}
}

func TestIngestHistorySync(t *testing.T) {
	in, db := newTestIngester(t)

	in.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID:   proto.String("120363123456@g.us"),
					Name: proto.String("Team"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:          proto.String("hm1"),
									Participant: proto.String("5511777@s.whatsapp.net"),
								},
								Message:          &waE2E.Message{Conversation: proto.String("history")},
								MessageTimestamp: proto.Uint64(1700000000),
							},
						},
					},
				},
			},
			Pushnames: []*waHistorySync.Pushname{
				{ID: proto.String("5511777@s.whatsapp.net"), Pushname: proto.String("Carol")},
			},
		},
	})

	chat, err := db.GetChat("120363123456@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.Name != "Team" || !chat.IsGroup {
		t.Errorf("chat = %+v", chat)
	}
	msgs, _ := db.RecentMessages("120363123456@g.us", 5)
	if len(msgs) != 1 {
		t.Errorf("got %d history messages, want 1", len(msgs))
	}
	c, _ := db.GetContact("5511777@s.whatsapp.net")
	if c == nil || c.PushName != "Carol" {
		t.Errorf("contact = %+v, want push name Carol", c)
	}
}

func TestIngestHistorySyncNilData(t *testing.T) {
	in, db := newTestIngester(t)
	in.Handle(&events.HistorySync{Data: nil})

	chats, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Errorf("got %d chats, want 0", len(chats))
	}
}

func TestIngestPushName(t *testing.T) {
	in, db := newTestIngester(t)
	in.Handle(&events.PushName{
		JID:         types.JID{User: "5511666", Server: types.DefaultUserServer},
		NewPushName: "Dave",
	})

	c, err := db.GetContact("5511666@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.PushName != "Dave" {
		t.Errorf("contact = %+v", c)
	}
}
