package messages

import (
	"context"
	"sync"

	"github.com/matheus3301/huddle/internal/model"
)

// View is one consumer's handle on the chat it displays. It holds at most
// one active subscription and drops deliveries addressed to a chat it has
// since left.
type View struct {
	syncer *Synchronizer
	owner  string

	mu      sync.Mutex
	chatID  string
	gen     uint64
	sub     *subscription
	dispose func()
	oldest  *model.Cursor
}

// NewView creates a view for owner.
func (s *Synchronizer) NewView(owner string) *View {
	return &View{syncer: s, owner: owner}
}

// Open switches the view to chatID. The previous subscription is released
// before the new one starts.
func (v *View) Open(chatID string, onUpdate func([]model.Message)) error {
	v.mu.Lock()
	prev := v.dispose
	v.gen++
	gen := v.gen
	v.chatID, v.sub, v.dispose, v.oldest = chatID, nil, nil, nil
	v.mu.Unlock()
	if prev != nil {
		prev()
	}

	captured := chatID
	sub, dispose, err := v.syncer.subscribe(chatID, func(msgs []model.Message) {
		v.mu.Lock()
		current := v.chatID == captured && v.gen == gen
		if current && len(msgs) > 0 {
			c := model.CursorOf(&msgs[0])
			v.oldest = &c
		}
		v.mu.Unlock()
		if current {
			onUpdate(msgs)
		}
	})
	if err != nil {
		v.mu.Lock()
		if v.gen == gen {
			v.chatID = ""
		}
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		dispose()
		return nil
	}
	v.sub, v.dispose = sub, dispose
	v.mu.Unlock()
	return nil
}

// ChatID returns the chat the view displays, or "".
func (v *View) ChatID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chatID
}

// LoadOlder fetches the page before the oldest displayed message and adds it
// to the window. It returns the page, newest first; an empty page means the
// start of history.
func (v *View) LoadOlder(ctx context.Context) ([]model.Message, error) {
	v.mu.Lock()
	chatID, sub, gen := v.chatID, v.sub, v.gen
	cursor := v.oldest
	v.mu.Unlock()
	if sub == nil {
		return nil, model.Invalid("chat_id", "no chat open")
	}
	if cursor == nil {
		cursor = v.syncer.Cursor(v.owner, chatID)
	}
	if cursor == nil {
		return nil, nil
	}

	page, err := v.syncer.Load(ctx, v.owner, chatID, v.syncer.PageSize(), cursor)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	stale := v.gen != gen
	v.mu.Unlock()
	if !stale && len(page) > 0 {
		v.syncer.addHistory(sub, page)
	}
	return page, nil
}

// Close releases the active subscription. Safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	dispose := v.dispose
	v.gen++
	v.chatID, v.sub, v.dispose, v.oldest = "", nil, nil, nil
	v.mu.Unlock()
	if dispose != nil {
		dispose()
	}
}
