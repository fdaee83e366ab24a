// Package chatlist keeps the signed-in identity's chat collection in sync
// with the upstream store.
package chatlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/feed"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// DefaultPendingTTL bounds how long an optimistic chat waits to appear upstream.
const DefaultPendingTTL = 30 * time.Second

// Synchronizer serves chat lists from the upstream store, writing every
// snapshot through to the local cache and falling back to it when the
// upstream is unreachable.
type Synchronizer struct {
	upstream   upstream.Store
	cache      *store.DB
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	pendingTTL time.Duration

	mu      sync.Mutex
	pending map[string]*pendingChat
	subs    map[*subscription]struct{}
}

type pendingChat struct {
	owner string
	chat  model.Chat
	timer *time.Timer
}

type subscription struct {
	owner   string
	feed    *feed.Feed[[]model.Chat]
	last    []model.Chat
	dispose func()
	release func()
}

// Options configures a Synchronizer.
type Options struct {
	Cache      *store.DB
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	PendingTTL time.Duration
}

// New creates a chat list synchronizer over up.
func New(up upstream.Store, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	return &Synchronizer{
		upstream:   up,
		cache:      opts.Cache,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("chatlist"),
		pendingTTL: opts.PendingTTL,
		pending:    make(map[string]*pendingChat),
		subs:       make(map[*subscription]struct{}),
	}
}

// List fetches identity's chats once, sorted for display.
func (s *Synchronizer) List(ctx context.Context, identity string) ([]model.Chat, error) {
	chats, err := s.upstream.ListChats(ctx, identity)
	if err != nil {
		if s.cache != nil && errors.Is(err, model.ErrNetwork) {
			cached, cerr := s.cache.ListChats(identity)
			if cerr == nil {
				s.logger.Debug("serving chats from cache", zap.Error(err))
				return s.merge(identity, cached), nil
			}
			s.logger.Warn("cache read failed", zap.Error(cerr))
		}
		return nil, err
	}
	s.writeThrough(identity, chats)
	return s.merge(identity, chats), nil
}

// Subscribe delivers identity's full chat collection on every change,
// starting with the current one. When the upstream is unreachable the cached
// collection is delivered and the subscription attaches on Resume.
func (s *Synchronizer) Subscribe(identity string, onUpdate func([]model.Chat)) (func(), error) {
	sub := &subscription{owner: identity, feed: feed.New(onUpdate)}
	if err := s.attach(sub); err != nil {
		if s.cache == nil || !errors.Is(err, model.ErrNetwork) {
			sub.feed.Close()
			return nil, err
		}
		cached, cerr := s.cache.ListChats(identity)
		if cerr != nil {
			sub.feed.Close()
			return nil, errors.Join(err, cerr)
		}
		s.logger.Info("chat subscription detached, serving cache", zap.Error(err))
		s.mu.Lock()
		sub.last = cached
		sub.feed.Publish(s.mergeLocked(identity, cached))
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	sub.release = s.metrics.Subscribed("chats")

	var once sync.Once
	return func() {
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
	dispose, err := s.upstream.SubscribeChats(sub.owner, func(chats []model.Chat) {
		s.onSnapshot(sub, chats)
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
			s.logger.Warn("resume chat subscription failed", zap.String("identity", sub.owner), zap.Error(err))
		}
	}
}

func (s *Synchronizer) onSnapshot(sub *subscription, chats []model.Chat) {
	s.metrics.Snapshot("chats")
	s.writeThrough(sub.owner, chats)

	s.mu.Lock()
	sub.last = chats
	for _, c := range chats {
		if p, ok := s.pending[c.ID]; ok && p.owner == sub.owner {
			p.timer.Stop()
			delete(s.pending, c.ID)
		}
	}
	sub.feed.Publish(s.mergeLocked(sub.owner, chats))
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(bus.ChatsSnapshot, len(chats))
	}
}

func (s *Synchronizer) writeThrough(owner string, chats []model.Chat) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ReplaceChats(owner, chats); err != nil {
		s.logger.Warn("cache chats failed", zap.Error(err))
	}
}

// merge overlays owner's optimistic chats that snapshot does not contain yet.
func (s *Synchronizer) merge(owner string, snapshot []model.Chat) []model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(owner, snapshot)
}

// mergeLocked is merge with s.mu held.
func (s *Synchronizer) mergeLocked(owner string, snapshot []model.Chat) []model.Chat {
	out := make([]model.Chat, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, c := range snapshot {
		out = append(out, c.Clone())
		seen[c.ID] = true
	}
	for id, p := range s.pending {
		if p.owner == owner && !seen[id] {
			out = append(out, p.chat.Clone())
		}
	}
	model.SortChats(out)
	return out
}

// InsertLocal shows chat to owner's subscribers before the upstream reports
// it. If no snapshot contains it within the pending TTL it is dropped and
// chat.create_failed is published.
func (s *Synchronizer) InsertLocal(owner string, chat model.Chat) {
	s.mu.Lock()
	for sub := range s.subs {
		if sub.owner != owner {
			continue
		}
		for _, c := range sub.last {
			if c.ID == chat.ID {
				s.mu.Unlock()
				return
			}
		}
	}
	if p, ok := s.pending[chat.ID]; ok {
		p.timer.Stop()
	}
	id := chat.ID
	s.pending[id] = &pendingChat{
		owner: owner,
		chat:  chat.Clone(),
		timer: time.AfterFunc(s.pendingTTL, func() { s.expire(owner, id) }),
	}
	s.mu.Unlock()
	s.republish(owner)
}

func (s *Synchronizer) expire(owner, id string) {
	s.mu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("optimistic chat never appeared upstream", zap.String("chat_id", id))
	if s.bus != nil {
		s.bus.Emit(bus.ChatCreateFailed, id)
	}
	s.republish(owner)
}

// republish runs under s.mu so a merge of an older snapshot cannot be
// published after a newer one.
func (s *Synchronizer) republish(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.owner == owner {
			sub.feed.Publish(s.mergeLocked(owner, sub.last))
		}
	}
}

// Pending returns the ids of optimistic chats still awaiting the upstream.
func (s *Synchronizer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Close stops pending timers. Subscriptions stay owned by their callers.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}
