package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertChat inserts or updates a chat. An empty name never overwrites a
// known one, and the last-message fields only move forward in time.
func (db *DB) UpsertChat(c *Chat) error {
	_, err := db.Exec(`
		INSERT INTO chats (jid, name, is_group, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.JID, c.Name, c.IsGroup, c.LastMessageAt, c.LastMessagePreview, time.Now().UnixMilli())
	return err
}

const chatColumns = `
	SELECT c.jid,
		COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), '') AS display_name,
		c.is_group, c.last_message_at, c.last_message_preview
	FROM chats c
	LEFT JOIN contacts ct ON c.jid = ct.jid`

// ListChats returns every chat, most recently active first. Names fall back
// from chat name to contact push name to contact name.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(chatColumns + ` ORDER BY c.last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.IsGroup, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID, or nil if unknown.
func (db *DB) GetChat(jid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(chatColumns+` WHERE c.jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.IsGroup, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
