package store

import "time"

// UpsertMessage inserts or updates a cached message (idempotent on
// room + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room, msg_id, author_id, author_name, content, message_type, created_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room, msg_id) DO UPDATE SET
			author_name = excluded.author_name,
			content = excluded.content,
			message_type = excluded.message_type`,
		m.Room, m.MsgID, m.AuthorID, m.AuthorName, m.Content, m.MessageType, m.CreatedAt, now)
	return err
}

// ListMessages returns a room's cached messages ordered by creation time
// ascending.
func (db *DB) ListMessages(room string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT room, msg_id, author_id, author_name, content, message_type, created_at
		FROM messages
		WHERE room = ?
		ORDER BY created_at ASC`, room)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Room, &m.MsgID, &m.AuthorID, &m.AuthorName, &m.Content, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
