package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

const messageColumns = `chat_id, msg_id, sender_id, body, type, metadata, status, read_by, reactions, timestamp`

// UpsertMessages caches msgs in one transaction. A cached status is never
// moved backwards by an older copy.
func (db *DB) UpsertMessages(msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		status := m.Status
		var cached string
		err := tx.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND msg_id = ?`, m.ChatID, m.ID).Scan(&cached)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read cached status: %w", err)
		default:
			status = model.Status(cached).Merge(status)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (`+messageColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, msg_id) DO UPDATE SET
				sender_id = excluded.sender_id,
				body = excluded.body,
				type = excluded.type,
				metadata = excluded.metadata,
				status = excluded.status,
				read_by = excluded.read_by,
				reactions = excluded.reactions,
				timestamp = excluded.timestamp`,
			m.ChatID, m.ID, m.SenderID, m.Text, string(m.Type), encodeJSON(m.Metadata), string(status),
			encodeJSON(m.ReadBy), encodeJSON(m.Reactions), millis(m.Timestamp), now); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// UpsertMessage caches a single message.
func (db *DB) UpsertMessage(m *model.Message) error {
	return db.UpsertMessages([]model.Message{*m})
}

// ListMessages returns up to limit cached messages older than before (or the
// newest when before is nil), newest first.
func (db *DB) ListMessages(chatID string, before *model.Cursor, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = db.Query(`
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC, msg_id DESC
			LIMIT ?`, chatID, limit)
	} else {
		ts := millis(before.Timestamp)
		rows, err = db.Query(`
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ? AND (timestamp < ? OR (timestamp = ? AND msg_id < ?))
			ORDER BY timestamp DESC, msg_id DESC
			LIMIT ?`, chatID, ts, ts, before.MessageID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one cached message, or nil.
func (db *DB) GetMessage(chatID, id string) (*model.Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage drops a cached message. Used for superseded local entries only.
func (db *DB) DeleteMessage(chatID, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, id)
	return err
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		m                 model.Message
		typ, meta, status string
		readBy, reactions string
		ts                int64
	)
	if err := row.Scan(&m.ChatID, &m.ID, &m.SenderID, &m.Text, &typ, &meta, &status, &readBy, &reactions, &ts); err != nil {
		return m, err
	}
	m.Type = model.MessageType(typ)
	m.Status = model.Status(status)
	m.Timestamp = timeFromMillis(ts)
	if err := decodeJSON(meta, &m.Metadata); err != nil {
		return m, fmt.Errorf("decode metadata: %w", err)
	}
	if err := decodeJSON(readBy, &m.ReadBy); err != nil {
		return m, fmt.Errorf("decode read_by: %w", err)
	}
	if err := decodeJSON(reactions, &m.Reactions); err != nil {
		return m, fmt.Errorf("decode reactions: %w", err)
	}
	return m, nil
}
