// Package identity resolves the signed-in user and gates writes on it.
package identity

import (
	"context"
	"sync"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/model"
	"go.uber.org/zap"
)

// Provider is the external identity provider. It invokes cb with the current
// identity, or nil when signed out, on every auth state change.
type Provider interface {
	OnAuthStateChanged(cb func(*model.Identity)) (unsubscribe func())
}

// Gate exposes the current identity to the rest of the engine. It holds
// exactly one Provider listener between Start and Stop.
type Gate struct {
	provider Provider
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *model.Identity
	resolved  bool
	changed   chan struct{}
	listeners map[int]func(*model.Identity)
	next      int
	stop      func()
}

// NewGate creates a gate over provider. Call Start to begin listening.
func NewGate(provider Provider, b *bus.Bus, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		provider:  provider,
		bus:       b,
		logger:    logger,
		changed:   make(chan struct{}),
		listeners: make(map[int]func(*model.Identity)),
	}
}

// Start registers the provider listener. Further calls are no-ops.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	g.stop = func() {}
	g.mu.Unlock()

	unsub := g.provider.OnAuthStateChanged(g.set)

	g.mu.Lock()
	g.stop = unsub
	g.mu.Unlock()
}

// Stop releases the provider listener.
func (g *Gate) Stop() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (g *Gate) set(id *model.Identity) {
	if id != nil && id.ID == "" {
		id = nil
	}
	if id != nil {
		cp := *id
		id = &cp
	}

	g.mu.Lock()
	same := g.resolved && sameIdentity(g.current, id)
	g.current = id
	g.resolved = true
	var cbs []func(*model.Identity)
	if !same {
		close(g.changed)
		g.changed = make(chan struct{})
		for _, cb := range g.listeners {
			cbs = append(cbs, cb)
		}
	}
	g.mu.Unlock()

	if same {
		return
	}
	if id != nil {
		g.logger.Info("identity resolved", zap.String("identity", id.ID))
	} else {
		g.logger.Info("identity cleared")
	}
	if g.bus != nil {
		g.bus.Emit(bus.IdentityChanged, id)
	}
	for _, cb := range cbs {
		cb(id)
	}
}

func sameIdentity(a, b *model.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// Current returns the resolved identity, or nil.
func (g *Gate) Current() *model.Identity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return nil
	}
	cp := *g.current
	return &cp
}

// Ready reports whether the provider has answered at least once.
func (g *Gate) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolved
}

// Require returns the current identity, or ErrAuthNotReady when none is
// resolved. Writes call it before any I/O.
func (g *Gate) Require() (model.Identity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.resolved || g.current == nil {
		return model.Identity{}, model.ErrAuthNotReady
	}
	return *g.current, nil
}

// OnChange registers cb for every identity change and returns its disposer.
// The disposer is safe to call more than once.
func (g *Gate) OnChange(cb func(*model.Identity)) func() {
	g.mu.Lock()
	id := g.next
	g.next++
	g.listeners[id] = cb
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

// WaitReady blocks until an identity is resolved or ctx is done.
func (g *Gate) WaitReady(ctx context.Context) (model.Identity, error) {
	for {
		g.mu.RLock()
		cur, resolved, changed := g.current, g.resolved, g.changed
		g.mu.RUnlock()
		if resolved && cur != nil {
			return *cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return model.Identity{}, ctx.Err()
		}
	}
}
