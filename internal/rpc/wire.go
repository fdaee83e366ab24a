package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/huddle/internal/model"
)

// Error is the wire form of a failed operation.
type Error struct {
	Kind    model.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Result is embedded in every response.
type Result struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error,omitempty"`
}

// ResultOf converts an engine error into a result envelope.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{Error: &Error{Kind: model.KindOf(err), Message: err.Error()}}
}

var kindErrors = map[model.Kind]error{
	model.KindAuthNotReady: model.ErrAuthNotReady,
	model.KindValidation:   model.ErrValidation,
	model.KindNetwork:      model.ErrNetwork,
	model.KindNotFound:     model.ErrNotFound,
	model.KindBusy:         model.ErrBusy,
}

// Err rebuilds an error from the envelope so callers can classify it with
// errors.Is against the model sentinels. Returns nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return errors.New("operation failed")
	}
	if sentinel, ok := kindErrors[r.Error.Kind]; ok {
		return fmt.Errorf("%w: %s", sentinel, r.Error.Message)
	}
	return errors.New(r.Error.Message)
}

// ResultResponse carries only the envelope.
type ResultResponse struct {
	Result
}

type StatusResponse struct {
	Result
	Profile      string `json:"profile"`
	Identity     string `json:"identity,omitempty"`
	Status       string `json:"status"`
	AuthReady    bool   `json:"auth_ready"`
	Online       bool   `json:"online"`
	UptimeMs     int64  `json:"uptime_ms"`
	ChatCount    int    `json:"chat_count"`
	MessageCount int    `json:"message_count"`
}

type SignInRequest struct {
	Identity string `json:"identity"`
}

type SetOnlineRequest struct {
	Online bool `json:"online"`
}

// ChatFilter mirrors chatlist.Filter.
type ChatFilter struct {
	Query     string `json:"query,omitempty"`
	Unread    bool   `json:"unread,omitempty"`
	Favourite bool   `json:"favourite,omitempty"`
	Group     bool   `json:"group,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
}

type ListChatsRequest struct {
	Filter ChatFilter `json:"filter"`
}

type ChatsResponse struct {
	Result
	Chats []model.Chat `json:"chats"`
}

type CreateChatRequest struct {
	Participants  []string       `json:"participants"`
	Type          model.ChatType `json:"type"`
	DisplayName   string         `json:"display_name,omitempty"`
	DisplayAvatar string         `json:"display_avatar,omitempty"`
}

type ChatResponse struct {
	Result
	Chat *model.Chat `json:"chat,omitempty"`
}

type SetChatFlagRequest struct {
	ChatID string     `json:"chat_id"`
	Flag   model.Flag `json:"flag"`
	On     bool       `json:"on"`
}

type LoadMessagesRequest struct {
	ChatID string        `json:"chat_id"`
	Limit  int           `json:"limit,omitempty"`
	Before *model.Cursor `json:"before,omitempty"`
}

type MessagesResponse struct {
	Result
	Messages []model.Message `json:"messages"`
}

// Attachment is an inline file sent with SendMessage.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type SendMessageRequest struct {
	ChatID     string      `json:"chat_id"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type ResendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type MessageResponse struct {
	Result
	Message *model.Message `json:"message,omitempty"`
}

type FlushResponse struct {
	Result
	Sent int `json:"sent"`
}

type MarkReadRequest struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

type UpdateUnreadRequest struct {
	ChatID   string `json:"chat_id"`
	Identity string `json:"identity"`
	Count    int    `json:"count"`
}

type SetTypingRequest struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}

type ReactionRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Symbol    string `json:"symbol"`
}

type WatchChatsRequest struct {
	Filter ChatFilter `json:"filter"`
}

type WatchMessagesRequest struct {
	ChatID string `json:"chat_id"`
	// MarkRead commits read receipts for what the watcher is shown.
	MarkRead bool `json:"mark_read,omitempty"`
}

type WatchTypingRequest struct {
	ChatID string `json:"chat_id"`
}

type TypingUpdate struct {
	ChatID     string   `json:"chat_id"`
	Identities []string `json:"identities"`
}

type WatchEventsRequest struct {
	// Prefix selects event kinds, e.g. "message." or "" for all.
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope wraps a bus event for streaming.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Profile          string          `json:"profile"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Kind             string          `json:"kind"`
	PayloadVersion   int             `json:"payload_version"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
