package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

func cursorKey(owner, chatID string) string {
	return "cursor:" + owner + ":" + chatID
}

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint returns a sync checkpoint value and whether it exists.
func (db *DB) Checkpoint(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SaveCursor persists the pagination cursor owner has reached in chatID.
func (db *DB) SaveCursor(owner, chatID string, c model.Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return db.SetCheckpoint(cursorKey(owner, chatID), string(raw))
}

// LoadCursor returns the persisted cursor for chatID, or nil.
func (db *DB) LoadCursor(owner, chatID string) (*model.Cursor, error) {
	raw, ok, err := db.Checkpoint(cursorKey(owner, chatID))
	if err != nil || !ok {
		return nil, err
	}
	var c model.Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &c, nil
}

// ClearCursor forgets the cursor for chatID.
func (db *DB) ClearCursor(owner, chatID string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, cursorKey(owner, chatID))
	return err
}
