// Package engine composes the chat synchronization components behind one
// facade and drives the engine status machine.
package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/chatlist"
	"github.com/matheus3301/huddle/internal/identity"
	"github.com/matheus3301/huddle/internal/messages"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/presence"
	"github.com/matheus3301/huddle/internal/reactions"
	"github.com/matheus3301/huddle/internal/receipts"
	"github.com/matheus3301/huddle/internal/status"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/typing"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// Config tunes the components. Zero values select each component's default.
type Config struct {
	PageSize        int
	PendingChatTTL  time.Duration
	TypingDebounce  time.Duration
	TypingTTL       time.Duration
	ReceiptDebounce time.Duration
	ProbeInterval   time.Duration
	Retry           outbox.RetryPolicy
}

// Options carries the shared infrastructure handed to every component.
type Options struct {
	Config  Config
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Engine is the application root of a signed-in device.
type Engine struct {
	upstream upstream.Store
	cache    *store.DB
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	gate      *identity.Gate
	presence  *presence.Monitor
	status    *status.Machine
	chats     *chatlist.Synchronizer
	messages  *messages.Synchronizer
	outbox    *outbox.Pipeline
	typing    *typing.Coordinator
	receipts  *receipts.Manager
	reactions *reactions.Aggregator

	owner  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an engine over the upstream store, the identity provider and the
// local cache. Call Start before use.
func New(up upstream.Store, provider identity.Provider, cache *store.DB, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	cfg := opts.Config
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = outbox.DefaultRetryPolicy
	}

	e := &Engine{
		upstream: up,
		cache:    cache,
		bus:      b,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	e.gate = identity.NewGate(provider, b, logger.Named("identity"))
	e.presence = presence.NewMonitor(up, cfg.ProbeInterval, b, logger.Named("presence"))
	e.status = status.NewMachine(b)
	e.chats = chatlist.New(up, chatlist.Options{
		Cache:      cache,
		Bus:        b,
		Metrics:    opts.Metrics,
		Logger:     logger,
		PendingTTL: cfg.PendingChatTTL,
	})
	e.messages = messages.New(up, messages.Options{
		Cache:    cache,
		Metrics:  opts.Metrics,
		Logger:   logger,
		PageSize: cfg.PageSize,
	})
	e.outbox = outbox.New(cache, up, e.gate, e.presence, e.messages, outbox.Options{
		Bus:     b,
		Metrics: opts.Metrics,
		Logger:  logger,
		Retry:   retry,
	})
	e.typing = typing.New(up, e.gate, e.presence, typing.Options{
		Logger:   logger,
		Debounce: cfg.TypingDebounce,
		TTL:      cfg.TypingTTL,
	})
	e.receipts = receipts.New(up, e.gate, e.presence, receipts.Options{
		Cache:    cache,
		Bus:      b,
		Metrics:  opts.Metrics,
		Logger:   logger,
		Debounce: cfg.ReceiptDebounce,
	})
	e.reactions = reactions.New(up, e.gate, e.presence, logger)
	return e
}

// Start begins listening for identity and connectivity and brings the engine
// to READY once an identity is available.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	idEvents, unsubID := e.bus.Subscribe("identity.", 16)
	netEvents, unsubNet := e.bus.Subscribe("net.", 16)

	e.gate.Start()
	e.presence.Start(ctx)
	e.outbox.Start(ctx)
	e.receipts.Start(ctx)
	e.metrics.SetOnline(e.presence.IsOnline())

	go func() {
		defer close(e.done)
		defer unsubID()
		defer unsubNet()
		e.reconcile(ctx)
		for {
			select {
			case <-idEvents:
				e.reconcile(ctx)
			case evt := <-netEvents:
				e.metrics.SetOnline(evt.Kind == bus.NetOnline)
				if evt.Kind == bus.NetOnline {
					e.chats.Resume()
					e.messages.Resume()
				}
				e.reconcile(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	e.logger.Info("engine started")
}

// Stop releases every component. In-flight sends stay in the outbox and are
// replayed on the next Start.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil

	e.typing.Close()
	e.receipts.Stop()
	e.outbox.Stop()
	e.presence.Stop()
	e.chats.Close()
	e.gate.Stop()
	if e.owner != "" {
		e.bus.Emit(bus.SyncStopped, e.owner)
		e.owner = ""
	}
	e.logger.Info("engine stopped")
}

// reconcile moves the status machine toward the state implied by the current
// identity and connectivity. It only runs on the engine goroutine.
func (e *Engine) reconcile(ctx context.Context) {
	if e.status.Current() == status.Error {
		e.transition(status.Booting)
	}
	id := e.gate.Current()
	cur := e.status.Current()

	if id == nil {
		if e.owner != "" {
			e.bus.Emit(bus.SyncStopped, e.owner)
			e.owner = ""
		}
		e.transition(status.AwaitingIdentity)
		return
	}

	if id.ID != e.owner || cur == status.Booting || cur == status.AwaitingIdentity {
		if e.owner != "" && e.owner != id.ID {
			e.bus.Emit(bus.SyncStopped, e.owner)
		}
		e.owner = id.ID
		e.transition(status.Syncing)
		e.bus.Emit(bus.SyncStarted, id.ID)
	}

	if !e.presence.IsOnline() {
		e.transition(status.Offline)
		return
	}
	if e.status.Current() == status.Ready {
		return
	}
	e.transition(status.Syncing)

	if _, err := e.chats.List(ctx, id.ID); err != nil {
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, model.ErrNetwork):
			e.logger.Warn("initial chat sync failed, serving cache", zap.Error(err))
			e.transition(status.Offline)
		default:
			e.logger.Error("initial chat sync failed", zap.Error(err))
			e.transition(status.Error)
		}
		return
	}
	e.transition(status.Ready)
}

func (e *Engine) transition(to status.State) {
	if err := e.status.Ensure(to); err != nil {
		e.logger.Error("status transition rejected", zap.String("to", string(to)), zap.Error(err))
	}
}

// Status returns the current engine state.
func (e *Engine) Status() status.State {
	return e.status.Current()
}

// Bus exposes the engine's event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// AuthReady reports whether a signed-in identity is available for writes.
func (e *Engine) AuthReady() bool {
	_, err := e.gate.Require()
	return err == nil
}

// CurrentIdentity returns the signed-in identity, or nil.
func (e *Engine) CurrentIdentity() *model.Identity {
	return e.gate.Current()
}

// WaitReady blocks until an identity is resolved.
func (e *Engine) WaitReady(ctx context.Context) (model.Identity, error) {
	return e.gate.WaitReady(ctx)
}

// Online reports the last known connectivity.
func (e *Engine) Online() bool {
	return e.presence.IsOnline()
}

// SetOnline overrides connectivity until the next probe.
func (e *Engine) SetOnline(online bool) {
	e.presence.Set(online)
}

// ListChats returns the signed-in identity's chats, newest activity first.
func (e *Engine) ListChats(ctx context.Context) ([]model.Chat, error) {
	self, err := e.gate.Require()
	if err != nil {
		return nil, err
	}
	return e.chats.List(ctx, self.ID)
}

// SubscribeChats delivers the chat list of whoever is signed in. Before an
// identity is available the subscription waits; when the identity changes it
// follows the new one. The returned disposer is idempotent.
func (e *Engine) SubscribeChats(onUpdate func([]model.Chat)) (func(), error) {
	w := &chatWatch{engine: e, onUpdate: onUpdate}
	w.off = e.gate.OnChange(func(*model.Identity) { _ = w.rebind() })
	if err := w.rebind(); err != nil {
		w.close()
		return nil, err
	}
	return w.close, nil
}

type chatWatch struct {
	engine   *Engine
	onUpdate func([]model.Chat)
	off      func()

	mu      sync.Mutex
	owner   string
	dispose func()
	closed  bool
	once    sync.Once
}

func (w *chatWatch) rebind() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	owner := ""
	if id := w.engine.gate.Current(); id != nil {
		owner = id.ID
	}
	if owner == w.owner && (w.dispose != nil || owner == "") {
		return nil
	}
	if w.dispose != nil {
		w.dispose()
		w.dispose = nil
	}
	w.owner = owner
	if owner == "" {
		return nil
	}
	dispose, err := w.engine.chats.Subscribe(owner, w.onUpdate)
	if err != nil {
		w.engine.logger.Warn("chat subscription failed", zap.String("identity", owner), zap.Error(err))
		w.owner = ""
		return err
	}
	w.dispose = dispose
	return nil
}

func (w *chatWatch) close() {
	w.once.Do(func() {
		w.off()
		w.mu.Lock()
		w.closed = true
		dispose := w.dispose
		w.dispose = nil
		w.mu.Unlock()
		if dispose != nil {
			dispose()
		}
	})
}

// CreateChat returns the chat between the signed-in identity and others,
// creating it if needed. Individual chats are deduplicated by participant
// set. The chat is shown in the local list until the upstream snapshot
// confirms it.
func (e *Engine) CreateChat(ctx context.Context, others []string, typ model.ChatType, meta model.ChatMeta) (model.Chat, error) {
	if !typ.Valid() {
		return model.Chat{}, model.Invalid("type", string(typ))
	}
	self, err := e.gate.Require()
	if err != nil {
		return model.Chat{}, err
	}
	participants := model.NormalizeParticipants(append(slices.Clone(others), self.ID))
	if len(participants) < 2 {
		return model.Chat{}, model.Invalid("participants", "at least one other identity required")
	}
	if typ == model.Individual && len(participants) != 2 {
		return model.Chat{}, model.Invalid("participants", "individual chats have exactly two identities")
	}
	if !e.presence.IsOnline() {
		return model.Chat{}, model.ErrOffline
	}

	chat, err := e.upstream.CreateOrGet(ctx, participants, typ, meta)
	if err != nil {
		return model.Chat{}, err
	}
	e.chats.InsertLocal(self.ID, chat)
	e.bus.Emit(bus.ChatCreated, chat.ID)
	e.logger.Info("chat ready", zap.String("chat_id", chat.ID), zap.String("type", string(typ)))
	return chat, nil
}

// SetChatFlag toggles archived, muted, pinned or favourite on a chat.
func (e *Engine) SetChatFlag(ctx context.Context, chatID string, flag model.Flag, on bool) error {
	if chatID == "" {
		return model.Invalid("chat_id", "must not be empty")
	}
	if !flag.Valid() {
		return model.Invalid("flag", string(flag))
	}
	if _, err := e.gate.Require(); err != nil {
		return err
	}
	if !e.presence.IsOnline() {
		return model.ErrOffline
	}
	return e.upstream.SetFlag(ctx, chatID, flag, on)
}

// LoadMessages returns up to limit messages older than cursor, newest first.
func (e *Engine) LoadMessages(ctx context.Context, chatID string, limit int, cursor *model.Cursor) ([]model.Message, error) {
	owner := ""
	if id := e.gate.Current(); id != nil {
		owner = id.ID
	}
	return e.messages.Load(ctx, owner, chatID, limit, cursor)
}

// NewView returns a message window that follows one chat at a time.
func (e *Engine) NewView() (*messages.View, error) {
	self, err := e.gate.Require()
	if err != nil {
		return nil, err
	}
	return e.messages.NewView(self.ID), nil
}

// OpenChat opens chatID in a new view. Every delivered window is also handed
// to the receipt manager so unread messages get marked read.
func (e *Engine) OpenChat(chatID string, onUpdate func([]model.Message)) (*messages.View, error) {
	view, err := e.NewView()
	if err != nil {
		return nil, err
	}
	err = view.Open(chatID, func(msgs []model.Message) {
		e.receipts.Observe(chatID, msgs)
		if onUpdate != nil {
			onUpdate(msgs)
		}
	})
	if err != nil {
		view.Close()
		return nil, err
	}
	return view, nil
}

// SubscribeMessages delivers the live window of chatID without marking
// anything read.
func (e *Engine) SubscribeMessages(chatID string, onUpdate func([]model.Message)) (func(), error) {
	return e.messages.Subscribe(chatID, onUpdate)
}

// SendMessage queues text for chatID and sends it when online. The returned
// message is the optimistic local copy.
func (e *Engine) SendMessage(ctx context.Context, chatID, text string) (model.Message, error) {
	return e.outbox.Send(ctx, chatID, text)
}

// Resend sends the content of a failed message again under a new id.
func (e *Engine) Resend(ctx context.Context, chatID, failedID string) (model.Message, error) {
	return e.outbox.Resend(ctx, chatID, failedID)
}

// SendAttachment uploads file and sends a message pointing at it. It needs
// connectivity.
func (e *Engine) SendAttachment(ctx context.Context, chatID string, file model.Attachment) (model.Message, error) {
	return e.outbox.SendAttachment(ctx, chatID, file)
}

// FlushOutbox replays queued sends now and returns how many were delivered.
func (e *Engine) FlushOutbox(ctx context.Context) int {
	return e.outbox.Flush(ctx)
}

// SetTyping broadcasts or clears the caller's typing state in chatID.
func (e *Engine) SetTyping(ctx context.Context, chatID string, isTyping bool) error {
	return e.typing.SetTyping(ctx, chatID, isTyping)
}

// SubscribeTyping delivers who else is typing in chatID.
func (e *Engine) SubscribeTyping(chatID string, onUpdate func([]string)) (func(), error) {
	return e.typing.Subscribe(chatID, onUpdate)
}

// MarkRead records read receipts for ids, held until reconnect when offline.
func (e *Engine) MarkRead(ctx context.Context, chatID string, ids []string) error {
	return e.receipts.MarkRead(ctx, chatID, ids)
}

// UpdateUnreadCount sets identity's unread counter for chatID.
func (e *Engine) UpdateUnreadCount(ctx context.Context, chatID, identity string, count int) error {
	return e.receipts.UpdateUnreadCount(ctx, chatID, identity, count)
}

// AddReaction adds the caller's symbol to a message. Adding it twice is a no-op.
func (e *Engine) AddReaction(ctx context.Context, chatID, messageID, symbol string) error {
	return e.reactions.Add(ctx, chatID, messageID, symbol)
}

// RemoveReaction withdraws the caller's symbol from a message.
func (e *Engine) RemoveReaction(ctx context.Context, chatID, messageID, symbol string) error {
	return e.reactions.Remove(ctx, chatID, messageID, symbol)
}
