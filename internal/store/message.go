package store

import (
	"fmt"
	"slices"
	"time"
)

const previewLen = 100

// UpsertMessage stores m and bumps its chat (idempotent on chat_jid + msg_id).
func (db *DB) UpsertMessage(m *Message, isGroup bool) error {
	return db.IngestBatch([]*Message{m}, isGroup)
}

// IngestBatch stores msgs and their chats in one transaction.
func (db *DB) IngestBatch(msgs []*Message, isGroup bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO chats (jid, is_group, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
				last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
				updated_at = excluded.updated_at`,
			m.ChatJID, isGroup, m.Timestamp, truncate(m.Body, previewLen), now); err != nil {
			return fmt.Errorf("upsert chat %q: %w", m.ChatJID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				body = excluded.body`,
			m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns the limit most recent messages of a chat, oldest first.
func (db *DB) RecentMessages(chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
