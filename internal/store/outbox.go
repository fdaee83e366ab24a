package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

const outboxColumns = `client_msg_id, chat_id, sender_id, body, type, metadata, status, attempts, error_message, created_at`

// QueueOutbox persists a locally composed message before any send attempt.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.Status == "" {
		e.Status = OutboxQueued
	}
	_, err := db.Exec(`
		INSERT INTO outbox (`+outboxColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientMsgID, e.ChatID, e.SenderID, e.Body, string(e.Type), encodeJSON(e.Metadata),
		e.Status, e.Attempts, e.ErrorMessage, e.CreatedAt, now)
	return err
}

// ClaimOutbox moves a queued entry to 'sending'. It reports false when the
// entry was already claimed or is no longer queued.
func (db *DB) ClaimOutbox(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_msg_id = ? AND status = 'queued'`, now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseOutbox returns a 'sending' entry to the queue after connectivity is lost mid-send.
func (db *DB) ReleaseOutbox(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxQueued, "")
}

// MarkOutboxSent records the upstream acknowledgement.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSent, "")
}

// MarkOutboxFailed records a terminal send failure.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutboxStatus(clientMsgID, OutboxFailed, errMsg)
}

// MarkOutboxSuperseded retires a failed entry that was resent under a new id.
func (db *DB) MarkOutboxSuperseded(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSuperseded, "")
}

func (db *DB) setOutboxStatus(clientMsgID, status, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		status, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns one outbox entry, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// UnsentOutbox returns queued, sending and failed entries for chatID, oldest
// first. These are the optimistic messages a chat view shows alongside the
// upstream window.
func (db *DB) UnsentOutbox(chatID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE chat_id = ? AND status IN ('queued', 'sending', 'failed')
		ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// RequeueStale returns entries left in 'sending' by an interrupted process to the queue.
func (db *DB) RequeueStale() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanOutbox(row scanner) (OutboxEntry, error) {
	var (
		e         OutboxEntry
		typ, meta string
	)
	if err := row.Scan(&e.ClientMsgID, &e.ChatID, &e.SenderID, &e.Body, &typ, &meta,
		&e.Status, &e.Attempts, &e.ErrorMessage, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Type = model.MessageType(typ)
	if err := decodeJSON(meta, &e.Metadata); err != nil {
		return e, err
	}
	return e, nil
}
