// Package upstream defines the contract of the real-time chat store the engine
// synchronizes against. Its persistence and wire protocol are opaque here.
package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

// ProgressFunc receives attachment upload progress in bytes.
type ProgressFunc func(sent, total int64)

// Store is the upstream chat store. Subscriptions deliver full snapshots,
// starting with the current state, and return an idempotent disposer.
// Errors are classified with model.ErrNotFound and model.ErrNetwork.
type Store interface {
	ListChats(ctx context.Context, identity string) ([]model.Chat, error)
	SubscribeChats(identity string, cb func([]model.Chat)) (func(), error)
	CreateOrGet(ctx context.Context, participants []string, typ model.ChatType, meta model.ChatMeta) (model.Chat, error)
	GetChat(ctx context.Context, chatID string) (model.Chat, error)
	SetFlag(ctx context.Context, chatID string, flag model.Flag, on bool) error

	// Messages returns up to limit messages older than before (or the newest
	// when before is nil), newest first.
	Messages(ctx context.Context, chatID string, limit int, before *model.Cursor) ([]model.Message, error)
	// SubscribeMessages delivers the newest limit messages, newest first.
	SubscribeMessages(chatID string, limit int, cb func([]model.Message)) (func(), error)
	// Append stores msg. Appending an id that already exists is a no-op that
	// returns the stored copy.
	Append(ctx context.Context, chatID string, msg model.Message) (model.Message, error)

	SetTyping(ctx context.Context, chatID, identity string, typing bool, expiresAt time.Time) error
	SubscribeTyping(chatID string, cb func([]model.TypingEntry)) (func(), error)

	MarkRead(ctx context.Context, chatID, identity string, messageIDs []string, at time.Time) error
	SetUnread(ctx context.Context, chatID, identity string, count int) error

	AddReaction(ctx context.Context, chatID, messageID, identity, reaction string) error
	RemoveReaction(ctx context.Context, chatID, messageID, identity, reaction string) error

	UploadAttachment(ctx context.Context, file model.Attachment, chatID, messageID string, onProgress ProgressFunc) (string, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// ParticipantKey is the dedupe key of an individual chat's participant set.
func ParticipantKey(participants []string) string {
	return strings.Join(model.NormalizeParticipants(participants), "|")
}
