// Package outbox turns compose actions into optimistic local messages and
// durable, at-most-once upstream writes.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// Identity resolves the sender of outgoing messages.
type Identity interface {
	Require() (model.Identity, error)
}

// Presence reports connectivity.
type Presence interface {
	IsOnline() bool
}

// LocalWindow shows optimistic messages before the upstream reports them.
type LocalWindow interface {
	InsertLocal(msg model.Message)
	MarkFailed(chatID, id string) bool
	Discard(chatID, id string)
}

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// errRequeued marks a send returned to the queue because connectivity was lost.
var errRequeued = errors.New("requeued while offline")

// DefaultRetryPolicy retries three times, starting at 500ms and capped at 5s.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Pipeline sends messages. Every message is persisted in the outbox before
// any upstream write, and each outbox row is transmitted at most once.
type Pipeline struct {
	db       *store.DB
	upstream upstream.Store
	identity Identity
	presence Presence
	local    LocalWindow
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	policy   RetryPolicy

	mu      sync.Mutex
	sending bool

	flushMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options configures a Pipeline.
type Options struct {
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Retry   RetryPolicy
}

// New creates a pipeline.
func New(db *store.DB, up upstream.Store, id Identity, presence Presence, local LocalWindow, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	return &Pipeline{
		db:       db,
		upstream: up,
		identity: id,
		presence: presence,
		local:    local,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("outbox"),
		policy:   opts.Retry,
	}
}

// Start requeues rows interrupted mid-send and flushes the outbox whenever
// connectivity returns.
func (p *Pipeline) Start(ctx context.Context) {
	if n, err := p.db.RequeueStale(); err != nil {
		p.logger.Error("failed to requeue stale outbox rows", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	var events <-chan bus.Event
	unsub := func() {}
	if p.bus != nil {
		events, unsub = p.bus.Subscribe(bus.NetOnline, 16)
	}
	go func() {
		defer close(p.done)
		defer unsub()
		p.Flush(ctx)
		for {
			select {
			case <-events:
				p.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the flush loop.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
}

// Send composes a text message in chatID. The returned message carries the
// client-generated id. While offline the message stays queued and Send
// returns without error; a definitive upstream failure marks it failed and
// is returned.
func (p *Pipeline) Send(ctx context.Context, chatID, text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, model.Invalid("text", "must not be empty")
	}
	return p.compose(ctx, chatID, text, model.TextMessage, nil)
}

// Resend replaces the failed message failedID with a new message carrying
// the same content. The failed entry leaves the local view and its outbox
// row is marked superseded.
func (p *Pipeline) Resend(ctx context.Context, chatID, failedID string) (model.Message, error) {
	entry, err := p.db.GetOutbox(failedID)
	if err != nil {
		return model.Message{}, fmt.Errorf("read outbox: %w", err)
	}
	if entry == nil || entry.ChatID != chatID {
		return model.Message{}, fmt.Errorf("message %q: %w", failedID, model.ErrNotFound)
	}
	if entry.Status != store.OutboxFailed {
		return model.Message{}, model.Invalid("message_id", "only failed messages can be resent")
	}

	msg, err := p.compose(ctx, chatID, entry.Body, entry.Type, entry.Metadata)
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrAuthNotReady) || errors.Is(err, model.ErrBusy) {
		return msg, err
	}
	if serr := p.db.MarkOutboxSuperseded(failedID); serr != nil {
		p.logger.Error("failed to supersede outbox row", zap.String("client_msg_id", failedID), zap.Error(serr))
	}
	p.local.Discard(chatID, failedID)
	p.emit(bus.MessageSuperseded, bus.MessageRef{ChatID: chatID, MessageID: failedID})
	return msg, err
}

// SendAttachment uploads file and sends an attachment message whose
// metadata carries the stored URL. Uploads require connectivity.
func (p *Pipeline) SendAttachment(ctx context.Context, chatID string, file model.Attachment) (model.Message, error) {
	if file.Name == "" {
		return model.Message{}, model.Invalid("name", "must not be empty")
	}
	if len(file.Data) == 0 {
		return model.Message{}, model.Invalid("data", "must not be empty")
	}
	if chatID == "" {
		return model.Message{}, model.Invalid("chat_id", "must not be empty")
	}
	if _, err := p.identity.Require(); err != nil {
		return model.Message{}, err
	}
	if !p.presence.IsOnline() {
		return model.Message{}, model.ErrOffline
	}

	uploadID := uuid.NewString()
	url, err := p.upstream.UploadAttachment(ctx, file, chatID, uploadID, func(sent, total int64) {
		p.emit(bus.UploadProgress, bus.Progress{ChatID: chatID, MessageID: uploadID, Sent: sent, Total: total})
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	p.metrics.Uploaded(int64(len(file.Data)))

	meta := map[string]string{
		"url":          url,
		"name":         file.Name,
		"content_type": file.ContentType,
		"size":         strconv.Itoa(len(file.Data)),
	}
	return p.compose(ctx, chatID, file.Name, model.AttachmentMessage, meta)
}

func (p *Pipeline) compose(ctx context.Context, chatID, text string, typ model.MessageType, meta map[string]string) (model.Message, error) {
	if chatID == "" {
		return model.Message{}, model.Invalid("chat_id", "must not be empty")
	}
	id, err := p.identity.Require()
	if err != nil {
		return model.Message{}, err
	}

	p.mu.Lock()
	if p.sending {
		p.mu.Unlock()
		return model.Message{}, model.ErrBusy
	}
	p.sending = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.sending = false
		p.mu.Unlock()
	}()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := &store.OutboxEntry{
		ClientMsgID: uuid.NewString(),
		ChatID:      chatID,
		SenderID:    id.ID,
		Body:        text,
		Type:        typ,
		Metadata:    meta,
		Status:      store.OutboxQueued,
		CreatedAt:   now.UnixMilli(),
	}
	if err := p.db.QueueOutbox(entry); err != nil {
		return model.Message{}, fmt.Errorf("queue message: %w", err)
	}
	msg := entry.Message()
	p.local.InsertLocal(msg)
	p.emit(bus.MessageQueued, bus.MessageRef{ChatID: chatID, MessageID: msg.ID})

	if !p.presence.IsOnline() {
		p.logger.Info("offline, message queued", zap.String("client_msg_id", msg.ID))
		return msg, nil
	}
	// Older rows still queued go out first.
	_, errs := p.flush(ctx)
	return msg, errs[msg.ID]
}

// Flush transmits queued messages in creation order. It returns the number
// transmitted successfully.
func (p *Pipeline) Flush(ctx context.Context) int {
	sent, _ := p.flush(ctx)
	if sent > 0 {
		p.logger.Info("outbox flushed", zap.Int("sent", sent))
		p.metrics.OutboxFlushed(sent)
	}
	return sent
}

// flush returns the number sent and the definitive failures by client id.
func (p *Pipeline) flush(ctx context.Context) (int, map[string]error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if !p.presence.IsOnline() {
		return 0, nil
	}
	pending, err := p.db.PendingOutbox()
	if err != nil {
		p.logger.Error("failed to read outbox", zap.Error(err))
		return 0, nil
	}
	sent := 0
	errs := make(map[string]error)
	for i := range pending {
		entry := &pending[i]
		if ctx.Err() != nil || !p.presence.IsOnline() {
			break
		}
		claimed, err := p.db.ClaimOutbox(entry.ClientMsgID)
		if err != nil {
			p.logger.Error("failed to claim outbox row", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		err = p.transmit(ctx, entry)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, errRequeued):
			return sent, errs
		default:
			errs[entry.ClientMsgID] = err
		}
	}
	return sent, errs
}

// transmit appends a claimed entry upstream, retrying transient failures.
// Append is idempotent on the client id, so a retry after a lost
// acknowledgement cannot create a second message.
func (p *Pipeline) transmit(ctx context.Context, entry *store.OutboxEntry) error {
	msg := entry.Message()
	op := func() error {
		_, err := p.upstream.Append(ctx, entry.ChatID, msg)
		if err != nil && (!model.Transient(err) || !p.presence.IsOnline()) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.policy.InitialInterval),
		backoff.WithMaxInterval(p.policy.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	), uint64(max(p.policy.MaxRetries, 0))), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		p.metrics.SendRetried()
		p.logger.Warn("append failed, retrying",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Duration("wait", wait), zap.Error(err))
	})
	ref := bus.MessageRef{ChatID: entry.ChatID, MessageID: entry.ClientMsgID}
	if err != nil && errors.Is(err, model.ErrNetwork) && !p.presence.IsOnline() {
		if rerr := p.db.ReleaseOutbox(entry.ClientMsgID); rerr != nil {
			p.logger.Error("failed to requeue", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(rerr))
		} else {
			p.logger.Info("went offline mid-send, message requeued", zap.String("client_msg_id", entry.ClientMsgID))
			return errRequeued
		}
	}
	if err != nil {
		p.logger.Error("failed to send message", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		if derr := p.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); derr != nil {
			p.logger.Error("failed to mark failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(derr))
		}
		p.local.MarkFailed(entry.ChatID, entry.ClientMsgID)
		p.metrics.SendFailed()
		ref.Err = err.Error()
		p.emit(bus.MessageSendFailed, ref)
		return err
	}

	if err := p.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
		p.logger.Error("failed to mark sent", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	}
	p.metrics.MessageSent()
	p.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID))
	p.emit(bus.MessageSendAck, ref)
	return nil
}

// Sending reports whether a UI send is in flight.
func (p *Pipeline) Sending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending
}

func (p *Pipeline) emit(kind string, payload any) {
	if p.bus != nil {
		p.bus.Emit(kind, payload)
	}
}
