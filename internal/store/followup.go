package store

import "time"

// RecordFollowup appends a follow-up attempt to the journal.
func (db *DB) RecordFollowup(f *Followup) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO followups (session_id, address, day_counter, body, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.Address, f.DayCounter, f.Body, string(f.Status), f.Error, f.CreatedAt)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// ListFollowups returns a session's most recent follow-up attempts, newest first.
func (db *DB) ListFollowups(sessionID string, limit int) ([]Followup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, session_id, address, day_counter, body, status, error, created_at
		FROM followups
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Followup
	for rows.Next() {
		var f Followup
		var st string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Address, &f.DayCounter, &f.Body, &st, &f.Error, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Status = FollowupStatus(st)
		out = append(out, f)
	}
	return out, rows.Err()
}
