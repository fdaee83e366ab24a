package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

const chatColumns = `id, type, participants, display_name, display_avatar,
	last_sender_id, last_text, last_at, unread, archived, muted, pinned, favourite, created_at`

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertChat(ex execer, owner string, c *model.Chat) error {
	var lastSender, lastText sql.NullString
	var lastAt sql.NullInt64
	if c.LastMessage != nil {
		lastSender = sql.NullString{String: c.LastMessage.SenderID, Valid: true}
		lastText = sql.NullString{String: c.LastMessage.Text, Valid: true}
		lastAt = sql.NullInt64{Int64: millis(c.LastMessage.Timestamp), Valid: true}
	}
	_, err := ex.Exec(`
		INSERT INTO chats (owner, `+chatColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			type = excluded.type,
			participants = excluded.participants,
			display_name = excluded.display_name,
			display_avatar = excluded.display_avatar,
			last_sender_id = excluded.last_sender_id,
			last_text = excluded.last_text,
			last_at = excluded.last_at,
			unread = excluded.unread,
			archived = excluded.archived,
			muted = excluded.muted,
			pinned = excluded.pinned,
			favourite = excluded.favourite,
			updated_at = excluded.updated_at`,
		owner, c.ID, string(c.Type), encodeJSON(c.Participants), c.DisplayName, c.DisplayAvatar,
		lastSender, lastText, lastAt, encodeJSON(c.UnreadCount),
		c.Archived, c.Muted, c.Pinned, c.Favourite, millis(c.CreatedAt), time.Now().UnixMilli())
	return err
}

// UpsertChat inserts or updates one cached chat for owner.
func (db *DB) UpsertChat(owner string, c *model.Chat) error {
	return upsertChat(db, owner, c)
}

// ReplaceChats swaps owner's cached chat list for snapshot in one transaction.
func (db *DB) ReplaceChats(owner string, snapshot []model.Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}
	for i := range snapshot {
		if err := upsertChat(tx, owner, &snapshot[i]); err != nil {
			return fmt.Errorf("cache chat %s: %w", snapshot[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chats: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (model.Chat, error) {
	var (
		c                    model.Chat
		typ, parts, unread   string
		lastSender, lastText sql.NullString
		lastAt               sql.NullInt64
		createdAt            int64
	)
	if err := row.Scan(&c.ID, &typ, &parts, &c.DisplayName, &c.DisplayAvatar,
		&lastSender, &lastText, &lastAt, &unread,
		&c.Archived, &c.Muted, &c.Pinned, &c.Favourite, &createdAt); err != nil {
		return c, err
	}
	c.Type = model.ChatType(typ)
	c.CreatedAt = timeFromMillis(createdAt)
	if lastAt.Valid {
		c.LastMessage = &model.LastMessage{
			SenderID:  lastSender.String,
			Text:      lastText.String,
			Timestamp: timeFromMillis(lastAt.Int64),
		}
	}
	if err := decodeJSON(parts, &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants: %w", err)
	}
	if err := decodeJSON(unread, &c.UnreadCount); err != nil {
		return c, fmt.Errorf("decode unread: %w", err)
	}
	return c, nil
}

// ListChats returns owner's cached chats in display order.
func (db *DB) ListChats(owner string) ([]model.Chat, error) {
	rows, err := db.Query(`SELECT `+chatColumns+` FROM chats WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chats := make([]model.Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	model.SortChats(chats)
	return chats, nil
}

// GetChat returns one cached chat, or nil when it is not cached.
func (db *DB) GetChat(owner, id string) (*model.Chat, error) {
	c, err := scanChat(db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE owner = ? AND id = ?`, owner, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatCount returns the number of chats cached for owner.
func (db *DB) ChatCount(owner string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE owner = ?`, owner).Scan(&n)
	return n, err
}
