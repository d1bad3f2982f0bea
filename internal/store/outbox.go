package store

import "time"

// QueueOutbox adds a message to the persistence outbox. Duplicate msg_ids
// are ignored so re-sends never double-queue.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (msg_id, room, author_id, author_name, content, message_type, created_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		e.MsgID, e.Room, e.AuthorID, e.AuthorName, e.Content, e.MessageType, e.CreatedAt, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE msg_id = ?`, now, msgID)
	return err
}

// MarkOutboxPersisted updates an outbox entry to 'persisted' status.
func (db *DB) MarkOutboxPersisted(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'persisted', updated_at = ? WHERE msg_id = ?`, now, msgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(msgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE msg_id = ?`, errMsg, now, msgID)
	return err
}

// RequeueOutbox moves an entry back to 'queued' after a transient failure.
func (db *DB) RequeueOutbox(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE msg_id = ?`, now, msgID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, room, author_id, author_name, content, message_type, created_at, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MsgID, &e.Room, &e.AuthorID, &e.AuthorName, &e.Content, &e.MessageType, &e.CreatedAt, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
