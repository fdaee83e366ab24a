// Package receipts commits read state and keeps unread counters honest.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// DefaultDebounce batches receipts produced by a burst of incoming messages.
const DefaultDebounce = 500 * time.Millisecond

// Identity resolves the reader.
type Identity interface {
	Require() (model.Identity, error)
}

// Presence reports connectivity.
type Presence interface {
	IsOnline() bool
}

// Manager marks messages read. Receipts produced while offline are held in
// the local cache and committed when connectivity returns.
type Manager struct {
	upstream upstream.Store
	cache    *store.DB
	identity Identity
	presence Presence
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	batches map[string]*batch

	flushMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type batch struct {
	ids   map[string]struct{}
	timer *time.Timer
}

// Options configures a Manager.
type Options struct {
	Cache    *store.DB
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Debounce time.Duration
}

// New creates a receipt manager.
func New(up upstream.Store, id Identity, presence Presence, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Manager{
		upstream: up,
		cache:    opts.Cache,
		identity: id,
		presence: presence,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("receipts"),
		debounce: opts.Debounce,
		batches:  make(map[string]*batch),
	}
}

// Start commits held receipts now and whenever connectivity returns.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	var events <-chan bus.Event
	unsub := func() {}
	if m.bus != nil {
		events, unsub = m.bus.Subscribe(bus.NetOnline, 16)
	}
	go func() {
		defer close(m.done)
		defer unsub()
		m.Flush(ctx)
		for {
			select {
			case <-events:
				m.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the flush loop and drops unfired batches.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.mu.Lock()
	for chatID, b := range m.batches {
		b.timer.Stop()
		delete(m.batches, chatID)
	}
	m.mu.Unlock()
}

// MarkRead records the current identity as having read ids in chatID. While
// offline, or when the upstream is unreachable, the receipts are held and
// MarkRead succeeds.
func (m *Manager) MarkRead(ctx context.Context, chatID string, ids []string) error {
	if chatID == "" {
		return model.Invalid("chat_id", "must not be empty")
	}
	self, err := m.identity.Require()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if !m.presence.IsOnline() {
		return m.hold(self.ID, chatID, ids)
	}
	if err := m.upstream.MarkRead(ctx, chatID, self.ID, ids, time.Now().UTC()); err != nil {
		if errors.Is(err, model.ErrNetwork) && m.cache != nil {
			m.logger.Info("upstream unreachable, holding receipts", zap.String("chat_id", chatID), zap.Error(err))
			return m.hold(self.ID, chatID, ids)
		}
		return err
	}
	m.committed(chatID, len(ids))
	return nil
}

func (m *Manager) hold(identity, chatID string, ids []string) error {
	if m.cache == nil {
		return model.ErrOffline
	}
	if err := m.cache.QueueReceipts(identity, chatID, ids); err != nil {
		return fmt.Errorf("hold receipts: %w", err)
	}
	return nil
}

func (m *Manager) committed(chatID string, n int) {
	m.metrics.ReceiptsCommitted(n)
	if m.bus != nil {
		m.bus.Emit(bus.ReceiptsCommitted, chatID)
	}
}

// UpdateUnreadCount sets identity's unread counter in chatID.
func (m *Manager) UpdateUnreadCount(ctx context.Context, chatID, identity string, count int) error {
	if count < 0 {
		return model.Invalid("count", "must not be negative")
	}
	if chatID == "" {
		return model.Invalid("chat_id", "must not be empty")
	}
	if identity == "" {
		return model.Invalid("identity", "must not be empty")
	}
	if _, err := m.identity.Require(); err != nil {
		return err
	}
	if !m.presence.IsOnline() {
		return model.ErrOffline
	}
	return m.upstream.SetUnread(ctx, chatID, identity, count)
}

// Unread returns the ids in window sent by others and not yet read by self.
func Unread(window []model.Message, self string) []string {
	var ids []string
	for i := range window {
		msg := &window[i]
		if msg.SenderID != self && !msg.IsReadBy(self) {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// Observe is called with every delivery of chatID's active window. Unread
// messages are collected and committed together, with the unread counter
// reset, once the window has been quiet for the debounce interval.
func (m *Manager) Observe(chatID string, window []model.Message) {
	self, err := m.identity.Require()
	if err != nil {
		return
	}
	ids := Unread(window, self.ID)
	if len(ids) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[chatID]
	if !ok {
		b = &batch{ids: make(map[string]struct{})}
		b.timer = time.AfterFunc(m.debounce, func() { m.commit(chatID, b) })
		m.batches[chatID] = b
	} else {
		b.timer.Reset(m.debounce)
	}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
}

func (m *Manager) commit(chatID string, b *batch) {
	m.mu.Lock()
	if m.batches[chatID] != b {
		m.mu.Unlock()
		return
	}
	delete(m.batches, chatID)
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	self, err := m.identity.Require()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.MarkRead(ctx, chatID, ids); err != nil {
		m.logger.Warn("failed to mark read", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if !m.presence.IsOnline() {
		return
	}
	if err := m.upstream.SetUnread(ctx, chatID, self.ID, 0); err != nil {
		m.logger.Warn("failed to reset unread", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Flush commits held receipts and resets the matching unread counters. It
// returns the number of receipts committed.
func (m *Manager) Flush(ctx context.Context) int {
	if m.cache == nil || !m.presence.IsOnline() {
		return 0
	}
	self, err := m.identity.Require()
	if err != nil {
		return 0
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	held, err := m.cache.PendingReceipts(self.ID)
	if err != nil {
		m.logger.Error("failed to read held receipts", zap.Error(err))
		return 0
	}
	total := 0
	for chatID, ids := range held {
		if err := m.upstream.MarkRead(ctx, chatID, self.ID, ids, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to commit held receipts", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		if err := m.upstream.SetUnread(ctx, chatID, self.ID, 0); err != nil {
			m.logger.Warn("failed to reset unread", zap.String("chat_id", chatID), zap.Error(err))
		}
		if err := m.cache.ClearReceipts(self.ID, chatID, ids); err != nil {
			m.logger.Error("failed to clear held receipts", zap.String("chat_id", chatID), zap.Error(err))
		}
		m.committed(chatID, len(ids))
		total += len(ids)
	}
	if total > 0 {
		m.logger.Info("held receipts committed", zap.Int("count", total))
	}
	return total
}
