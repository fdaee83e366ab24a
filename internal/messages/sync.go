// Package messages keeps the message windows of open chats in sync with the
// upstream store and overlays optimistic local entries on them.
package messages

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/huddle/internal/feed"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// DefaultPageSize is the window and page length when none is configured.
const DefaultPageSize = 50

// Synchronizer serves message pages and live windows.
type Synchronizer struct {
	upstream upstream.Store
	cache    *store.DB
	metrics  *metrics.Metrics
	logger   *zap.Logger
	pageSize int

	mu    sync.Mutex
	local map[string]map[string]model.Message
	subs  map[*subscription]struct{}
}

type subscription struct {
	chatID   string
	feed     *feed.Feed[[]model.Message]
	last     []model.Message
	history  []model.Message
	statuses map[string]model.Status
	dispose  func()
	release  func()
}

// Options configures a Synchronizer.
type Options struct {
	Cache    *store.DB
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	PageSize int
}

// New creates a message synchronizer over up.
func New(up upstream.Store, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Synchronizer{
		upstream: up,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("messages"),
		pageSize: opts.PageSize,
		local:    make(map[string]map[string]model.Message),
		subs:     make(map[*subscription]struct{}),
	}
}

// PageSize returns the configured window length.
func (s *Synchronizer) PageSize() int {
	return s.pageSize
}

// Load returns up to limit messages older than cursor, or the newest limit
// when cursor is nil, newest first. Only a load with a cursor advances the
// persisted cursor for owner.
func (s *Synchronizer) Load(ctx context.Context, owner, chatID string, limit int, cursor *model.Cursor) ([]model.Message, error) {
	if chatID == "" {
		return nil, model.Invalid("chat_id", "must not be empty")
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	page, err := s.upstream.Messages(ctx, chatID, limit, cursor)
	if err != nil {
		if s.cache == nil || !errors.Is(err, model.ErrNetwork) {
			return nil, err
		}
		cached, cerr := s.cache.ListMessages(chatID, cursor, limit)
		if cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		s.logger.Debug("serving messages from cache", zap.String("chat_id", chatID), zap.Error(err))
		page = cached
	} else {
		s.writeThrough(page)
	}

	if cursor != nil && len(page) > 0 && s.cache != nil && owner != "" {
		oldest := model.CursorOf(&page[len(page)-1])
		if err := s.cache.SaveCursor(owner, chatID, oldest); err != nil {
			s.logger.Warn("save cursor failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return page, nil
}

// Cursor returns the persisted pagination cursor for owner in chatID, or nil.
func (s *Synchronizer) Cursor(owner, chatID string) *model.Cursor {
	if s.cache == nil {
		return nil
	}
	c, err := s.cache.LoadCursor(owner, chatID)
	if err != nil {
		s.logger.Warn("load cursor failed", zap.String("chat_id", chatID), zap.Error(err))
		return nil
	}
	return c
}

// Subscribe delivers chatID's full active window, oldest first, whenever it
// changes. Optimistic local entries are included until the upstream reports
// them. When the upstream is unreachable the cached window is delivered and
// the subscription attaches on Resume.
func (s *Synchronizer) Subscribe(chatID string, onUpdate func([]model.Message)) (func(), error) {
	_, dispose, err := s.subscribe(chatID, onUpdate)
	return dispose, err
}

func (s *Synchronizer) subscribe(chatID string, onUpdate func([]model.Message)) (*subscription, func(), error) {
	if chatID == "" {
		return nil, nil, model.Invalid("chat_id", "must not be empty")
	}
	s.hydrate(chatID)

	sub := &subscription{
		chatID:   chatID,
		feed:     feed.New(onUpdate),
		statuses: make(map[string]model.Status),
	}
	if err := s.attach(sub); err != nil {
		if s.cache == nil || !errors.Is(err, model.ErrNetwork) {
			sub.feed.Close()
			return nil, nil, err
		}
		cached, cerr := s.cache.ListMessages(chatID, nil, s.pageSize)
		if cerr != nil {
			sub.feed.Close()
			return nil, nil, errors.Join(err, cerr)
		}
		s.logger.Info("message subscription detached, serving cache", zap.String("chat_id", chatID), zap.Error(err))
		s.mu.Lock()
		sub.last = cached
		s.mu.Unlock()
		s.deliver(sub)
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	sub.release = s.metrics.Subscribed("messages")

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			sub.feed.Close()
			s.mu.Lock()
			delete(s.subs, sub)
			dispose := sub.dispose
			sub.dispose = nil
			s.mu.Unlock()
			if dispose != nil {
				dispose()
			}
			sub.release()
		})
	}, nil
}

func (s *Synchronizer) attach(sub *subscription) error {
	dispose, err := s.upstream.SubscribeMessages(sub.chatID, s.pageSize, func(msgs []model.Message) {
		s.onSnapshot(sub, msgs)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	keep := !sub.feed.Closed() && sub.dispose == nil
	if keep {
		sub.dispose = dispose
	}
	s.mu.Unlock()
	if !keep {
		dispose()
	}
	return nil
}

// Resume attaches subscriptions that were served from cache.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	var detached []*subscription
	for sub := range s.subs {
		if sub.dispose == nil {
			detached = append(detached, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range detached {
		if err := s.attach(sub); err != nil {
			s.logger.Warn("resume message subscription failed", zap.String("chat_id", sub.chatID), zap.Error(err))
		}
	}
}

// hydrate loads unsent outbox entries for chatID into the local overlay.
func (s *Synchronizer) hydrate(chatID string) {
	if s.cache == nil {
		return
	}
	entries, err := s.cache.UnsentOutbox(chatID)
	if err != nil {
		s.logger.Warn("read outbox failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		m := entries[i].Message()
		if s.local[chatID] == nil {
			s.local[chatID] = make(map[string]model.Message)
		}
		if _, ok := s.local[chatID][m.ID]; !ok {
			s.local[chatID][m.ID] = m
		}
	}
}

func (s *Synchronizer) onSnapshot(sub *subscription, msgs []model.Message) {
	s.metrics.Snapshot("messages")
	s.writeThrough(msgs)

	s.mu.Lock()
	sub.last = msgs
	for _, m := range msgs {
		if _, ok := s.local[sub.chatID][m.ID]; ok {
			delete(s.local[sub.chatID], m.ID)
		}
	}
	s.mu.Unlock()
	s.deliver(sub)
}

func (s *Synchronizer) writeThrough(msgs []model.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.UpsertMessages(msgs); err != nil {
		s.logger.Warn("cache messages failed", zap.Error(err))
	}
}

// deliver publishes sub's merged window. Statuses never move backwards across
// deliveries of one subscription.
func (s *Synchronizer) deliver(sub *subscription) {
	s.mu.Lock()
	merged := make(map[string]model.Message, len(sub.last)+len(sub.history))
	for _, m := range sub.history {
		merged[m.ID] = m.Clone()
	}
	for _, m := range sub.last {
		merged[m.ID] = m.Clone()
	}
	for id, m := range s.local[sub.chatID] {
		if _, ok := merged[id]; !ok {
			merged[id] = m.Clone()
		}
	}
	window := make([]model.Message, 0, len(merged))
	for id, m := range merged {
		if prev, ok := sub.statuses[id]; ok {
			m.Status = prev.Merge(m.Status)
		}
		sub.statuses[id] = m.Status
		window = append(window, m)
	}
	model.SortMessagesAsc(window)
	sub.feed.Publish(window)
	s.mu.Unlock()
}

func (s *Synchronizer) republish(chatID string) {
	s.mu.Lock()
	var targets []*subscription
	for sub := range s.subs {
		if sub.chatID == chatID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		s.deliver(sub)
	}
}

// InsertLocal adds an optimistic entry to msg.ChatID's window.
func (s *Synchronizer) InsertLocal(msg model.Message) {
	s.mu.Lock()
	if s.local[msg.ChatID] == nil {
		s.local[msg.ChatID] = make(map[string]model.Message)
	}
	s.local[msg.ChatID][msg.ID] = msg.Clone()
	s.mu.Unlock()
	s.republish(msg.ChatID)
}

// MarkFailed moves a local entry to failed. Entries the upstream already
// reported, or that cannot fail from their current status, are left alone.
func (s *Synchronizer) MarkFailed(chatID, id string) bool {
	s.mu.Lock()
	m, ok := s.local[chatID][id]
	if ok && m.Status.CanTransition(model.StatusFailed) {
		m.Status = model.StatusFailed
		s.local[chatID][id] = m
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		s.republish(chatID)
	}
	return ok
}

// Discard removes a local entry, e.g. a failed message replaced by a resend.
func (s *Synchronizer) Discard(chatID, id string) {
	s.mu.Lock()
	_, ok := s.local[chatID][id]
	delete(s.local[chatID], id)
	for sub := range s.subs {
		if sub.chatID == chatID {
			delete(sub.statuses, id)
		}
	}
	s.mu.Unlock()
	if ok {
		s.republish(chatID)
	}
}

// Local returns the optimistic entry id in chatID, if any.
func (s *Synchronizer) Local(chatID, id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.local[chatID][id]
	return m.Clone(), ok
}

func (s *Synchronizer) addHistory(sub *subscription, page []model.Message) {
	s.mu.Lock()
	sub.history = append(sub.history, page...)
	s.mu.Unlock()
	s.deliver(sub)
}
