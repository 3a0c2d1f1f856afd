package wa

import (
	"fmt"

	"github.com/matheus3301/leadsync/internal/messaging"
	"github.com/matheus3301/leadsync/internal/store"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// crashKeepAliveMisses is the number of consecutive keep-alive timeouts
// after which the connection is treated as dead.
const crashKeepAliveMisses = 3

// Classify maps a whatsmeow lifecycle event onto a messaging event. The
// second result is false for events that carry no lifecycle meaning.
func Classify(rawEvt any, mode messaging.Mode) (messaging.Event, bool) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		return messaging.Event{Type: messaging.EventReady}, true
	case *events.Disconnected:
		// Standard mode reconnects on its own.
		if mode == messaging.ModeStandard {
			return messaging.Event{}, false
		}
		return messaging.Event{Type: messaging.EventDisconnected, Reason: "connection lost"}, true
	case *events.LoggedOut:
		return messaging.Event{Type: messaging.EventDisconnected, Reason: "logged out: " + evt.Reason.String()}, true
	case *events.StreamReplaced:
		return messaging.Event{Type: messaging.EventDisconnected, Reason: "stream replaced"}, true
	case *events.TemporaryBan:
		return messaging.Event{Type: messaging.EventDisconnected, Reason: evt.String()}, true
	case *events.StreamError:
		return messaging.Event{
			Type: messaging.EventError,
			Kind: messaging.KindCrash,
			Err:  fmt.Errorf("%w: stream error %s", messaging.ErrCrashed, evt.Code),
		}, true
	case *events.ConnectFailure:
		return messaging.Event{
			Type: messaging.EventError,
			Kind: messaging.KindCrash,
			Err:  fmt.Errorf("%w: connect failure %v %s", messaging.ErrCrashed, evt.Reason, evt.Message),
		}, true
	case *events.KeepAliveTimeout:
		if evt.ErrorCount >= crashKeepAliveMisses {
			return messaging.Event{
				Type: messaging.EventError,
				Kind: messaging.KindCrash,
				Err:  fmt.Errorf("%w: %d keep-alive timeouts", messaging.ErrCrashed, evt.ErrorCount),
			}, true
		}
		return messaging.Event{
			Type: messaging.EventError,
			Kind: messaging.KindTransient,
			Err:  fmt.Errorf("%w: keep-alive timeout", messaging.ErrTransport),
		}, true
	}
	return messaging.Event{}, false
}

// ingester writes wire traffic into the session cache.
type ingester struct {
	cache  *store.DB
	logger *zap.Logger
}

// Handle stores messages, history batches and contact names. Other events
// are ignored.
func (in *ingester) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		in.handleMessage(evt)
	case *events.HistorySync:
		in.handleHistorySync(evt)
	case *events.PushName:
		in.upsertContact(&store.Contact{JID: evt.JID.ToNonAD().String(), PushName: evt.NewPushName})
	case *events.Contact:
		if evt.Action != nil {
			in.upsertContact(&store.Contact{JID: evt.JID.ToNonAD().String(), Name: evt.Action.GetFullName()})
		}
	}
}

func (in *ingester) handleMessage(evt *events.Message) {
	if evt.Info.Chat.IsBroadcastList() || evt.Info.Chat.Server == "broadcast" {
		return
	}
	parsed := ParseLiveMessage(evt)
	if err := in.cache.UpsertMessage(parsed.ToStoreMessage(), evt.Info.IsGroup); err != nil {
		in.logger.Warn("failed to store message", zap.String("chat", parsed.ChatJID), zap.Error(err))
		return
	}
	if !evt.Info.IsFromMe && !evt.Info.IsGroup && evt.Info.PushName != "" {
		in.upsertContact(&store.Contact{JID: parsed.SenderJID, PushName: evt.Info.PushName})
	}
}

func (in *ingester) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	total := 0
	for _, conv := range data.GetConversations() {
		chatJID, msgs := ParseHistoryConversation(conv)
		if chatJID == "" {
			continue
		}
		isGroup := IsGroupJID(chatJID)
		if name := conv.GetName(); name != "" {
			if err := in.cache.UpsertChat(&store.Chat{JID: chatJID, Name: name, IsGroup: isGroup}); err != nil {
				in.logger.Warn("failed to store chat", zap.String("chat", chatJID), zap.Error(err))
			}
		}
		if len(msgs) == 0 {
			continue
		}
		if err := in.cache.IngestBatch(msgs, isGroup); err != nil {
			in.logger.Warn("failed to store history batch", zap.String("chat", chatJID), zap.Error(err))
			continue
		}
		total += len(msgs)
	}

	var contacts []store.Contact
	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" || pn.GetPushname() == "" {
			continue
		}
		contacts = append(contacts, store.Contact{JID: NormalizeJID(pn.GetID()), PushName: pn.GetPushname()})
	}
	if len(contacts) > 0 {
		if err := in.cache.BulkUpsertContacts(contacts); err != nil {
			in.logger.Warn("failed to store push names", zap.Error(err))
		}
	}

	in.logger.Debug("history sync ingested", zap.Int("messages", total), zap.Int("contacts", len(contacts)))
}

func (in *ingester) upsertContact(c *store.Contact) {
	if c.JID == "" || (c.Name == "" && c.PushName == "") {
		return
	}
	if err := in.cache.UpsertContact(c); err != nil {
		in.logger.Warn("failed to store contact", zap.String("jid", c.JID), zap.Error(err))
	}
}
