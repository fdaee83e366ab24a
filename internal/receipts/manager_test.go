package receipts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/identity"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/presence"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream/memory"
)

type fixture struct {
	up       *memory.Store
	db       *store.DB
	bus      *bus.Bus
	presence *presence.Monitor
	manager  *Manager
	chatID   string
	ids      []string
}

// newFixture seeds a u1/u2 chat holding three messages from u2, unread by u1.
func newFixture(t *testing.T, self string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{up: memory.New(), bus: bus.New()}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	f.db = db

	chat, err := f.up.CreateOrGet(ctx, []string{"u1", "u2"}, model.Individual, model.ChatMeta{})
	if err != nil {
		t.Fatal(err)
	}
	f.chatID = chat.ID
	base := time.UnixMilli(1_700_000_000_000).UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := model.Message{
			ID:        id,
			SenderID:  "u2",
			Text:      id,
			Type:      model.TextMessage,
			Status:    model.StatusSent,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := f.up.Append(ctx, chat.ID, msg); err != nil {
			t.Fatal(err)
		}
		f.ids = append(f.ids, id)
	}
	if err := f.up.SetUnread(ctx, chat.ID, "u1", 3); err != nil {
		t.Fatal(err)
	}

	gate := identity.NewGate(identity.NewStaticProvider(self), f.bus, nil)
	gate.Start()
	t.Cleanup(gate.Stop)

	f.presence = presence.NewMonitor(nil, 0, f.bus, nil)
	f.manager = New(f.up, gate, f.presence, Options{
		Cache:    db,
		Bus:      f.bus,
		Debounce: 20 * time.Millisecond,
	})
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) readBy(t *testing.T, identity string) []string {
	t.Helper()
	msgs, err := f.up.Messages(context.Background(), f.chatID, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := range msgs {
		if msgs[i].IsReadBy(identity) {
			ids = append(ids, msgs[i].ID)
		}
	}
	return ids
}

func (f *fixture) unread(t *testing.T, identity string) int {
	t.Helper()
	chat, err := f.up.GetChat(context.Background(), f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	return chat.Unread(identity)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestUnread(t *testing.T) {
	window := []model.Message{
		{ID: "a", SenderID: "u2"},
		{ID: "b", SenderID: "u1"},
		{ID: "c", SenderID: "u2", ReadBy: map[string]time.Time{"u1": time.Now()}},
		{ID: "d", SenderID: "u3", ReadBy: map[string]time.Time{"u2": time.Now()}},
	}
	got := Unread(window, "u1")
	if len(got) != 2 || got[0] != "a" || got[1] != "d" {
		t.Fatalf("unread = %v, want [a d]", got)
	}
}

func TestMarkReadOnline(t *testing.T) {
	f := newFixture(t, "u1")
	if err := f.manager.MarkRead(context.Background(), f.chatID, []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if got := f.readBy(t, "u1"); len(got) != 2 {
		t.Fatalf("read by u1 = %v, want 2 messages", got)
	}
}

func TestMarkReadRequiresIdentity(t *testing.T) {
	f := newFixture(t, "")
	err := f.manager.MarkRead(context.Background(), f.chatID, []string{"m1"})
	if !errors.Is(err, model.ErrAuthNotReady) {
		t.Fatalf("err = %v, want ErrAuthNotReady", err)
	}
}

func TestUpdateUnreadCount(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	if err := f.manager.UpdateUnreadCount(ctx, f.chatID, "u2", 4); err != nil {
		t.Fatal(err)
	}
	if got := f.unread(t, "u2"); got != 4 {
		t.Fatalf("unread = %d, want 4", got)
	}

	err := f.manager.UpdateUnreadCount(ctx, f.chatID, "u2", -1)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := f.unread(t, "u2"); got != 4 {
		t.Fatalf("unread changed to %d after rejected update", got)
	}

	f.presence.Set(false)
	if err := f.manager.UpdateUnreadCount(ctx, f.chatID, "u2", 0); !errors.Is(err, model.ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
}

func TestObserveCommitsWindow(t *testing.T) {
	f := newFixture(t, "u1")
	msgs, err := f.up.Messages(context.Background(), f.chatID, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	events, unsub := f.bus.Subscribe(bus.ReceiptsCommitted, 4)
	defer unsub()

	// Two deliveries inside the debounce produce one commit.
	f.manager.Observe(f.chatID, msgs[:1])
	f.manager.Observe(f.chatID, msgs)

	waitUntil(t, func() bool { return f.unread(t, "u1") == 0 })
	if got := f.readBy(t, "u1"); len(got) != 3 {
		t.Fatalf("read by u1 = %v, want all three", got)
	}
	select {
	case ev := <-events:
		if ev.Payload != f.chatID {
			t.Fatalf("payload = %v, want %s", ev.Payload, f.chatID)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipts.committed event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second commit %+v", ev)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestObserveIgnoresReadWindow(t *testing.T) {
	f := newFixture(t, "u2")
	msgs, err := f.up.Messages(context.Background(), f.chatID, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.manager.Observe(f.chatID, msgs)
	time.Sleep(60 * time.Millisecond)
	if got := f.readBy(t, "u2"); len(got) != 0 {
		t.Fatalf("own messages marked read: %v", got)
	}
}

func TestOfflineReceiptsHeldUntilOnline(t *testing.T) {
	f := newFixture(t, "u1")
	f.presence.Set(false)
	f.manager.Start(context.Background())

	if err := f.manager.MarkRead(context.Background(), f.chatID, f.ids); err != nil {
		t.Fatalf("offline mark read: %v", err)
	}
	held, err := f.db.PendingReceipts("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(held[f.chatID]) != 3 {
		t.Fatalf("held = %v, want three receipts", held)
	}
	if got := f.readBy(t, "u1"); len(got) != 0 {
		t.Fatalf("receipts reached upstream while offline: %v", got)
	}

	f.presence.Set(true)
	waitUntil(t, func() bool { return len(f.readBy(t, "u1")) == 3 })
	waitUntil(t, func() bool { return f.unread(t, "u1") == 0 })
	waitUntil(t, func() bool {
		held, err := f.db.PendingReceipts("u1")
		return err == nil && len(held) == 0
	})
}

func TestMarkReadHeldOnNetworkError(t *testing.T) {
	f := newFixture(t, "u1")
	f.up.SetFault(func(op string) error {
		if op == "mark_read" {
			return model.ErrNetwork
		}
		return nil
	})
	if err := f.manager.MarkRead(context.Background(), f.chatID, []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	f.up.SetFault(nil)
	if n := f.manager.Flush(context.Background()); n != 1 {
		t.Fatalf("flushed %d receipts, want 1", n)
	}
	if got := f.readBy(t, "u1"); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("read by u1 = %v, want [m1]", got)
	}
}
