package store

import (
	"fmt"
	"time"
)

// QueueReceipts holds read receipts to commit once the upstream is reachable.
// Duplicate receipts are ignored.
func (db *DB) QueueReceipts(identity, chatID string, msgIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, id := range msgIDs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO pending_receipts (chat_id, msg_id, identity, created_at)
			VALUES (?, ?, ?, ?)`, chatID, id, identity, now); err != nil {
			return fmt.Errorf("queue receipt: %w", err)
		}
	}
	return tx.Commit()
}

// PendingReceipts returns identity's held receipts grouped by chat, each in
// the order they were queued.
func (db *DB) PendingReceipts(identity string) (map[string][]string, error) {
	rows, err := db.Query(`
		SELECT chat_id, msg_id FROM pending_receipts
		WHERE identity = ? ORDER BY created_at ASC, rowid ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var chatID, msgID string
		if err := rows.Scan(&chatID, &msgID); err != nil {
			return nil, err
		}
		out[chatID] = append(out[chatID], msgID)
	}
	return out, rows.Err()
}

// ClearReceipts drops held receipts once they were committed upstream.
func (db *DB) ClearReceipts(identity, chatID string, msgIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range msgIDs {
		if _, err := tx.Exec(`DELETE FROM pending_receipts WHERE identity = ? AND chat_id = ? AND msg_id = ?`,
			identity, chatID, id); err != nil {
			return fmt.Errorf("clear receipt: %w", err)
		}
	}
	return tx.Commit()
}
