package identity

import (
	"sync"

	"github.com/matheus3301/huddle/internal/model"
)

// StaticProvider is an in-process Provider driven by SignIn and SignOut. The
// daemon uses it in place of an external identity service.
type StaticProvider struct {
	mu        sync.Mutex
	current   *model.Identity
	resolved  bool
	listeners map[int]func(*model.Identity)
	next      int
}

// NewStaticProvider creates a provider. A non-empty id signs in immediately;
// otherwise the provider stays unresolved until SignIn or SignOut.
func NewStaticProvider(id string) *StaticProvider {
	p := &StaticProvider{listeners: make(map[int]func(*model.Identity))}
	if id != "" {
		p.current = &model.Identity{ID: id}
		p.resolved = true
	}
	return p
}

// OnAuthStateChanged delivers the current state right away once resolved,
// then every change.
func (p *StaticProvider) OnAuthStateChanged(cb func(*model.Identity)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = cb
	cur, resolved := p.current, p.resolved
	p.mu.Unlock()

	if resolved {
		cb(cur)
	}
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Listeners returns the number of registered callbacks.
func (p *StaticProvider) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// SignIn makes id the current identity.
func (p *StaticProvider) SignIn(id string) error {
	if id == "" {
		return model.Invalid("identity", "must not be empty")
	}
	p.publish(&model.Identity{ID: id})
	return nil
}

// SignOut clears the current identity.
func (p *StaticProvider) SignOut() {
	p.publish(nil)
}

func (p *StaticProvider) publish(id *model.Identity) {
	p.mu.Lock()
	p.current = id
	p.resolved = true
	cbs := make([]func(*model.Identity), 0, len(p.listeners))
	for _, cb := range p.listeners {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(id)
	}
}
