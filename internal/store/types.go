package store

import "github.com/matheus3301/huddle/internal/model"

// Outbox statuses.
const (
	OutboxQueued     = "queued"
	OutboxSending    = "sending"
	OutboxSent       = "sent"
	OutboxFailed     = "failed"
	OutboxSuperseded = "superseded"
)

// OutboxEntry is a message composed locally and not yet acknowledged upstream.
type OutboxEntry struct {
	ClientMsgID  string
	ChatID       string
	SenderID     string
	Body         string
	Type         model.MessageType
	Metadata     map[string]string
	Status       string
	Attempts     int
	ErrorMessage string
	CreatedAt    int64
}

// Message converts the entry into the optimistic local message it represents.
func (e *OutboxEntry) Message() model.Message {
	status := model.StatusPending
	if e.Status == OutboxFailed {
		status = model.StatusFailed
	}
	return model.Message{
		ID:        e.ClientMsgID,
		ChatID:    e.ChatID,
		SenderID:  e.SenderID,
		Text:      e.Body,
		Type:      e.Type,
		Metadata:  e.Metadata,
		Timestamp: timeFromMillis(e.CreatedAt),
		Status:    status,
	}
}
