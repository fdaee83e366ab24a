package messages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream/memory"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seed creates a chat between u1 and u2 holding n messages one second apart.
func seed(t *testing.T, up *memory.Store, n int) string {
	t.Helper()
	ctx := context.Background()
	chat, err := up.CreateOrGet(ctx, []string{"u1", "u2"}, model.Individual, model.ChatMeta{})
	if err != nil {
		t.Fatal(err)
	}
	base := time.UnixMilli(1_700_000_000_000).UTC()
	for i := 1; i <= n; i++ {
		msg := model.Message{
			ID:        fmt.Sprintf("m%02d", i),
			SenderID:  "u2",
			Text:      fmt.Sprintf("msg %d", i),
			Type:      model.TextMessage,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := up.Append(ctx, chat.ID, msg); err != nil {
			t.Fatal(err)
		}
	}
	return chat.ID
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func waitFor(t *testing.T, ch <-chan []model.Message, desc string, pred func([]model.Message) bool) []model.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-ch:
			if pred(msgs) {
				return msgs
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", desc)
		}
	}
}

func TestLoadPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	up := memory.New()
	chatID := seed(t, up, 5)
	s := New(up, Options{Cache: testDB(t), PageSize: 2})

	page, err := s.Load(ctx, "u1", chatID, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page); len(got) != 2 || got[0] != "m05" || got[1] != "m04" {
		t.Fatalf("first page = %v, want [m05 m04]", got)
	}
	if c := s.Cursor("u1", chatID); c != nil {
		t.Errorf("cursor advanced without a cursor argument: %+v", c)
	}

	cur := model.CursorOf(&page[1])
	page, err = s.Load(ctx, "u1", chatID, 2, &cur)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page); len(got) != 2 || got[0] != "m03" || got[1] != "m02" {
		t.Fatalf("second page = %v, want [m03 m02]", got)
	}
	c := s.Cursor("u1", chatID)
	if c == nil || c.MessageID != "m02" {
		t.Errorf("cursor = %+v, want m02", c)
	}
}

func TestLoadServesCacheWhenOffline(t *testing.T) {
	ctx := context.Background()
	up := memory.New()
	chatID := seed(t, up, 3)
	s := New(up, Options{Cache: testDB(t)})

	if _, err := s.Load(ctx, "u1", chatID, 10, nil); err != nil {
		t.Fatal(err)
	}
	up.SetFault(func(string) error { return model.ErrNetwork })

	page, err := s.Load(ctx, "u1", chatID, 10, nil)
	if err != nil {
		t.Fatalf("Load() offline error = %v", err)
	}
	if len(page) != 3 || page[0].ID != "m03" {
		t.Errorf("cached page = %v", ids(page))
	}
}

func TestLoadRejectsEmptyChat(t *testing.T) {
	s := New(memory.New(), Options{})
	if _, err := s.Load(context.Background(), "u1", "", 10, nil); !errors.Is(err, model.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestSubscribeMergesOptimisticEntries(t *testing.T) {
	ctx := context.Background()
	up := memory.New()
	chatID := seed(t, up, 2)
	s := New(up, Options{})

	ch := make(chan []model.Message, 32)
	dispose, err := s.Subscribe(chatID, func(m []model.Message) { ch <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	first := waitFor(t, ch, "initial window", func(m []model.Message) bool { return len(m) == 2 })
	if first[0].ID != "m01" {
		t.Errorf("window should be oldest first, got %v", ids(first))
	}

	local := model.Message{ID: "c1", ChatID: chatID, SenderID: "u1", Text: "hello",
		Type: model.TextMessage, Status: model.StatusPending, Timestamp: time.Now().UTC()}
	s.InsertLocal(local)
	waitFor(t, ch, "pending entry", func(m []model.Message) bool {
		return len(m) == 3 && m[2].ID == "c1" && m[2].Status == model.StatusPending
	})

	if _, err := up.Append(ctx, chatID, local); err != nil {
		t.Fatal(err)
	}
	got := waitFor(t, ch, "acknowledged entry", func(m []model.Message) bool {
		return len(m) == 3 && m[2].Status == model.StatusSent
	})
	if got[2].ID != "c1" {
		t.Errorf("ids = %v", ids(got))
	}
	if _, ok := s.Local(chatID, "c1"); ok {
		t.Error("local entry should be resolved by the snapshot")
	}
}

func TestMarkFailedAndDiscard(t *testing.T) {
	up := memory.New()
	chatID := seed(t, up, 0)
	s := New(up, Options{})

	ch := make(chan []model.Message, 32)
	dispose, err := s.Subscribe(chatID, func(m []model.Message) { ch <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	s.InsertLocal(model.Message{ID: "c1", ChatID: chatID, SenderID: "u1", Text: "x", Status: model.StatusPending})
	if !s.MarkFailed(chatID, "c1") {
		t.Fatal("MarkFailed() = false")
	}
	if s.MarkFailed(chatID, "c1") {
		t.Error("failed is terminal; second MarkFailed should report false")
	}
	waitFor(t, ch, "failed entry", func(m []model.Message) bool {
		return len(m) == 1 && m[0].Status == model.StatusFailed
	})

	s.Discard(chatID, "c1")
	waitFor(t, ch, "entry removed", func(m []model.Message) bool { return len(m) == 0 })
}

// scriptedStore lets a test push message snapshots by hand.
type scriptedStore struct {
	*memory.Store
	mu  sync.Mutex
	cbs []func([]model.Message)
}

func (s *scriptedStore) SubscribeMessages(chatID string, limit int, cb func([]model.Message)) (func(), error) {
	s.mu.Lock()
	s.cbs = append(s.cbs, cb)
	s.mu.Unlock()
	return func() {}, nil
}

func (s *scriptedStore) push(msgs []model.Message) {
	s.mu.Lock()
	cbs := append([]func([]model.Message){}, s.cbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(msgs)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	up := &scriptedStore{Store: memory.New()}
	s := New(up, Options{})

	ch := make(chan []model.Message, 32)
	dispose, err := s.Subscribe("c", func(m []model.Message) { ch <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	msg := model.Message{ID: "m1", ChatID: "c", Status: model.StatusRead, Timestamp: time.Now()}
	up.push([]model.Message{msg})
	waitFor(t, ch, "read status", func(m []model.Message) bool { return len(m) == 1 && m[0].Status == model.StatusRead })

	msg.Status = model.StatusSent
	msg.Text = "late copy"
	up.push([]model.Message{msg})
	got := waitFor(t, ch, "late snapshot", func(m []model.Message) bool { return len(m) == 1 && m[0].Text == "late copy" })
	if got[0].Status != model.StatusRead {
		t.Errorf("status regressed to %s", got[0].Status)
	}
}

func TestResubscribeYieldsOneStream(t *testing.T) {
	ctx := context.Background()
	up := memory.New()
	chatID := seed(t, up, 1)
	s := New(up, Options{})

	first := make(chan []model.Message, 32)
	dispose, err := s.Subscribe(chatID, func(m []model.Message) { first <- m })
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, first, "first stream", func(m []model.Message) bool { return len(m) == 1 })
	dispose()

	second := make(chan []model.Message, 32)
	dispose, err = s.Subscribe(chatID, func(m []model.Message) { second <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()
	waitFor(t, second, "second stream", func(m []model.Message) bool { return len(m) == 1 })

	if _, err := up.Append(ctx, chatID, model.Message{ID: "m99", SenderID: "u1", Text: "again"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, second, "new message", func(m []model.Message) bool { return len(m) == 2 })
	select {
	case m := <-first:
		t.Errorf("disposed stream still delivering: %v", ids(m))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeHydratesOutbox(t *testing.T) {
	up := memory.New()
	chatID := seed(t, up, 0)
	db := testDB(t)
	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "q1", ChatID: chatID, SenderID: "u1", Body: "queued"}); err != nil {
		t.Fatal(err)
	}
	s := New(up, Options{Cache: db})

	ch := make(chan []model.Message, 8)
	dispose, err := s.Subscribe(chatID, func(m []model.Message) { ch <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()
	waitFor(t, ch, "queued entry", func(m []model.Message) bool {
		return len(m) == 1 && m[0].ID == "q1" && m[0].Status == model.StatusPending
	})
}
