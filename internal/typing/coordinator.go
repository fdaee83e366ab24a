// Package typing broadcasts the local user's typing state and aggregates
// everyone else's.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/feed"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultTTL      = 5 * time.Second
)

// Identity resolves the typist.
type Identity interface {
	Require() (model.Identity, error)
}

// Presence reports connectivity.
type Presence interface {
	IsOnline() bool
}

// Coordinator debounces typing broadcasts. Every broadcast carries an expiry
// so a peer that vanishes mid-word stops appearing to type after the TTL.
type Coordinator struct {
	upstream upstream.Store
	identity Identity
	presence Presence
	logger   *zap.Logger
	debounce time.Duration
	ttl      time.Duration

	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	identity  string
	timer     *time.Timer
	broadcast time.Time
}

// Options configures a Coordinator.
type Options struct {
	Logger   *zap.Logger
	Debounce time.Duration
	TTL      time.Duration
}

// New creates a coordinator.
func New(up upstream.Store, id Identity, presence Presence, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Coordinator{
		upstream: up,
		identity: id,
		presence: presence,
		logger:   opts.Logger.Named("typing"),
		debounce: opts.Debounce,
		ttl:      opts.TTL,
		active:   make(map[string]*session),
	}
}

// SetTyping records a keystroke (typing=true) or an explicit stop. A
// keystroke broadcasts right away when nothing was broadcast in the last
// half TTL and re-arms the debounce; when the debounce fires the stop is
// broadcast automatically.
func (c *Coordinator) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if chatID == "" {
		return model.Invalid("chat_id", "must not be empty")
	}
	id, err := c.identity.Require()
	if err != nil {
		return err
	}
	if !typing {
		return c.stop(ctx, chatID, id.ID)
	}
	if !c.presence.IsOnline() {
		return model.ErrOffline
	}

	now := time.Now()
	c.mu.Lock()
	s, ok := c.active[chatID]
	if ok && s.identity != id.ID {
		s.timer.Stop()
		ok = false
	}
	if !ok {
		s = &session{identity: id.ID}
		c.active[chatID] = s
		s.timer = time.AfterFunc(c.debounce, func() { c.expire(chatID, s) })
	} else {
		s.timer.Reset(c.debounce)
	}
	refresh := s.broadcast.IsZero() || now.Sub(s.broadcast) >= c.ttl/2
	if refresh {
		s.broadcast = now
	}
	c.mu.Unlock()

	if !refresh {
		return nil
	}
	if err := c.upstream.SetTyping(ctx, chatID, id.ID, true, now.Add(c.ttl)); err != nil {
		c.mu.Lock()
		if c.active[chatID] == s {
			s.broadcast = time.Time{}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Coordinator) stop(ctx context.Context, chatID, identity string) error {
	c.mu.Lock()
	if s, ok := c.active[chatID]; ok {
		s.timer.Stop()
		delete(c.active, chatID)
	}
	c.mu.Unlock()
	err := c.upstream.SetTyping(ctx, chatID, identity, false, time.Time{})
	if err != nil && !c.presence.IsOnline() {
		// The peer side expires the entry on its own.
		return nil
	}
	return err
}

func (c *Coordinator) expire(chatID string, s *session) {
	c.mu.Lock()
	if c.active[chatID] != s {
		c.mu.Unlock()
		return
	}
	delete(c.active, chatID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
	defer cancel()
	if err := c.upstream.SetTyping(ctx, chatID, s.identity, false, time.Time{}); err != nil {
		c.logger.Debug("typing stop not delivered", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Typing reports whether the local user is currently marked typing in chatID.
func (c *Coordinator) Typing(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[chatID]
	return ok
}

// Close cancels pending debounce timers without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.active {
		s.timer.Stop()
		delete(c.active, id)
	}
}

// Subscribe delivers the sorted identities, other than the subscriber,
// currently typing in chatID. Expired entries are dropped even when the
// upstream never clears them.
func (c *Coordinator) Subscribe(chatID string, onUpdate func([]string)) (func(), error) {
	if chatID == "" {
		return nil, model.Invalid("chat_id", "must not be empty")
	}
	self, err := c.identity.Require()
	if err != nil {
		return nil, err
	}

	w := &watcher{self: self.ID, feed: feed.New(onUpdate)}
	dispose, err := c.upstream.SubscribeTyping(chatID, w.update)
	if err != nil {
		w.feed.Close()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			w.close()
			dispose()
		})
	}, nil
}

type watcher struct {
	self string
	feed *feed.Feed[[]string]

	mu      sync.Mutex
	entries []model.TypingEntry
	last    []string
	reaper  *time.Timer
	closed  bool
}

func (w *watcher) update(entries []model.TypingEntry) {
	w.mu.Lock()
	w.entries = slices.Clone(entries)
	w.mu.Unlock()
	w.evaluate()
}

// evaluate publishes the live set and arms the reaper for the next expiry.
func (w *watcher) evaluate() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	visible := make([]string, 0, len(w.entries))
	var next time.Time
	for _, e := range w.entries {
		if e.Identity == w.self || !e.ExpiresAt.After(now) {
			continue
		}
		visible = append(visible, e.Identity)
		if next.IsZero() || e.ExpiresAt.Before(next) {
			next = e.ExpiresAt
		}
	}
	slices.Sort(visible)

	if w.reaper != nil {
		w.reaper.Stop()
		w.reaper = nil
	}
	if !next.IsZero() {
		w.reaper = time.AfterFunc(next.Sub(now), w.evaluate)
	}
	if w.last != nil && slices.Equal(w.last, visible) {
		return
	}
	w.last = visible
	w.feed.Publish(slices.Clone(visible))
}

func (w *watcher) close() {
	w.feed.Close()
	w.mu.Lock()
	w.closed = true
	if w.reaper != nil {
		w.reaper.Stop()
	}
	w.mu.Unlock()
}
