package store

// Chat is a conversation seen by the session.
type Chat struct {
	JID                string
	Name               string
	IsGroup            bool
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact is a known counterparty of the session.
type Contact struct {
	JID      string
	Name     string
	PushName string
}

// Message is a cached message. Timestamp is Unix milliseconds.
type Message struct {
	ID          int64
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64
}

// FollowupStatus is the outcome of one follow-up attempt.
type FollowupStatus string

const (
	FollowupSent    FollowupStatus = "sent"
	FollowupSkipped FollowupStatus = "skipped"
	FollowupFailed  FollowupStatus = "failed"
)

// Followup records one follow-up attempt.
type Followup struct {
	ID         int64
	SessionID  string
	Address    string
	DayCounter int
	Body       string
	Status     FollowupStatus
	Error      string
	CreatedAt  int64
}
