package bus

import "time"

// Event kinds. Subscribers filter by prefix, so "net." matches both
// connectivity kinds.
const (
	NetOnline  = "net.online"
	NetOffline = "net.offline"

	IdentityChanged = "identity.changed"
	StatusChanged   = "engine.status_changed"

	SyncStarted = "sync.started"
	SyncStopped = "sync.stopped"

	ChatCreated      = "chat.created"
	ChatCreateFailed = "chat.create_failed"
	ChatsSnapshot    = "chat.snapshot"

	MessageQueued     = "message.queued"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageSuperseded = "message.superseded"
	UploadProgress    = "message.upload_progress"

	ReceiptsCommitted = "receipts.committed"
)

// Event is a lifecycle notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message in event payloads.
type MessageRef struct {
	ChatID    string
	MessageID string
	Err       string
}

// Progress reports attachment upload progress.
type Progress struct {
	ChatID    string
	MessageID string
	Sent      int64
	Total     int64
}
