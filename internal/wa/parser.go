package wa

import (
	"github.com/matheus3301/leadsync/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParsedMessage is a normalized message ready for the cache.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ParseHistoryConversation normalizes every message of one history sync
// conversation. Entries without a message payload are dropped.
func ParseHistoryConversation(conv *waHistorySync.Conversation) (chatJID string, msgs []*store.Message) {
	chatJID = NormalizeJID(conv.GetID())
	for _, hm := range conv.GetMessages() {
		wmsg := hm.GetMessage()
		if wmsg == nil || wmsg.GetMessage() == nil {
			continue
		}
		info := wmsg.GetMessage()
		p := &ParsedMessage{
			ChatJID:     chatJID,
			MsgID:       wmsg.GetKey().GetID(),
			SenderJID:   NormalizeJID(wmsg.GetKey().GetParticipant()),
			SenderName:  wmsg.GetPushName(),
			Body:        extractTextBody(info),
			MessageType: detectMessageType(info),
			FromMe:      wmsg.GetKey().GetFromMe(),
			Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
		}
		msgs = append(msgs, p.ToStoreMessage())
	}
	return chatJID, msgs
}

// ToStoreMessage converts a ParsedMessage to a store.Message.
func (p *ParsedMessage) ToStoreMessage() *store.Message {
	return &store.Message{
		ChatJID:     p.ChatJID,
		MsgID:       p.MsgID,
		SenderJID:   p.SenderJID,
		SenderName:  p.SenderName,
		Body:        p.Body,
		MessageType: p.MessageType,
		FromMe:      p.FromMe,
		Timestamp:   p.Timestamp,
	}
}

// NormalizeJID strips device and agent suffixes so that every message of a
// contact lands in the same chat. Unparseable input is returned unchanged.
func NormalizeJID(raw string) string {
	if raw == "" {
		return ""
	}
	jid, err := types.ParseJID(raw)
	if err != nil || jid.User == "" {
		return raw
	}
	return jid.ToNonAD().String()
}

// IsGroupJID reports whether raw addresses a group chat.
func IsGroupJID(raw string) bool {
	jid, err := types.ParseJID(raw)
	return err == nil && jid.Server == types.GroupServer
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
