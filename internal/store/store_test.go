package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + receipts)", result.Version)
	}
}

func TestMigrateFreshCache(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 2 || !result.Changed {
		t.Errorf("result = %+v, want from 0 to 2", *result)
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)
	base := time.UnixMilli(1_700_000_000_000).UTC()

	quiet := &model.Chat{ID: "quiet", Type: model.Group, Participants: []string{"a", "b", "c"}, CreatedAt: base}
	busy := &model.Chat{
		ID:           "busy",
		Type:         model.Individual,
		Participants: []string{"a", "b"},
		LastMessage:  &model.LastMessage{SenderID: "b", Text: "hi", Timestamp: base.Add(time.Minute)},
		UnreadCount:  map[string]int{"a": 2},
		CreatedAt:    base,
	}
	for _, c := range []*model.Chat{quiet, busy} {
		if err := db.UpsertChat("a", c); err != nil {
			t.Fatal(err)
		}
	}

	busy.DisplayName = "Coach"
	busy.Pinned = true
	if err := db.UpsertChat("a", busy); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != "busy" || chats[1].ID != "quiet" {
		t.Errorf("order = %s,%s, want busy,quiet", chats[0].ID, chats[1].ID)
	}
	got := chats[0]
	if got.DisplayName != "Coach" || !got.Pinned {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Unread("a") != 2 {
		t.Errorf("unread = %d, want 2", got.Unread("a"))
	}
	if got.LastMessage == nil || !got.LastMessage.Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("last message = %+v", got.LastMessage)
	}
	if chats[1].LastMessage != nil {
		t.Errorf("quiet chat should have no last message")
	}

	other, err := db.ListChats("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("chats are cached per owner, got %d for b", len(other))
	}
}

func TestReplaceChats(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat("a", &model.Chat{ID: "old", Type: model.Group}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceChats("a", []model.Chat{{ID: "new", Type: model.Team}}); err != nil {
		t.Fatal(err)
	}
	n, err := db.ChatCount("a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	c, err := db.GetChat("a", "new")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Type != model.Team {
		t.Errorf("got %v, want team chat", c)
	}
	c, err = db.GetChat("a", "old")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected old chat to be gone")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &model.Message{ChatID: "c", ID: "m1", SenderID: "a", Text: "hello", Type: model.TextMessage,
		Status: model.StatusSent, Timestamp: time.UnixMilli(1000)}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Text = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Text != "hello updated" {
		t.Errorf("text = %q, want hello updated", msgs[0].Text)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)

	msg := &model.Message{ChatID: "c", ID: "m1", Status: model.StatusRead, Timestamp: time.UnixMilli(1000),
		ReadBy: map[string]time.Time{"b": time.UnixMilli(2000).UTC()}}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Status = model.StatusSent
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if !got.IsReadBy("b") {
		t.Errorf("read_by lost: %v", got.ReadBy)
	}
}

func TestListMessagesBeforeCursor(t *testing.T) {
	db := testDB(t)

	var msgs []model.Message
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, model.Message{ChatID: "c", ID: string(rune('0' + i)), Status: model.StatusSent,
			Timestamp: time.UnixMilli(int64(i) * 1000)})
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListMessages("c", nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "5" || page[1].ID != "4" {
		t.Fatalf("first page = %v", ids(page))
	}

	cur := model.CursorOf(&page[1])
	page, err = db.ListMessages("c", &cur, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page); len(got) != 3 || got[0] != "3" || got[2] != "1" {
		t.Errorf("older page = %v, want [3 2 1]", got)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	entry := &OutboxEntry{ClientMsgID: "client1", ChatID: "c", SenderID: "a", Body: "test msg", Type: model.TextMessage}
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "client1" {
		t.Fatalf("pending = %+v, want client1", pending)
	}

	ok, err := db.ClaimOutbox("client1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = db.ClaimOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim should fail while sending")
	}

	if err := db.MarkOutboxSent("client1"); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
	got, err := db.GetOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OutboxSent || got.Attempts != 1 {
		t.Errorf("entry = %+v", got)
	}
}

func TestOutboxFailedAndSuperseded(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "x", ChatID: "c", SenderID: "a", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("x", "boom"); err != nil {
		t.Fatal(err)
	}
	failed, err := db.GetOutbox("x")
	if err != nil {
		t.Fatal(err)
	}
	if failed == nil || failed.Status != OutboxFailed || failed.ErrorMessage != "boom" {
		t.Fatalf("failed = %+v", failed)
	}
	if m := failed.Message(); m.Status != model.StatusFailed {
		t.Errorf("local status = %s, want failed", m.Status)
	}

	if err := db.MarkOutboxSuperseded("x"); err != nil {
		t.Fatal(err)
	}
	unsent, err := db.UnsentOutbox("c")
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 0 {
		t.Errorf("superseded entry still unsent: %+v", unsent)
	}
}

func TestRequeueStale(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "x", ChatID: "c", SenderID: "a", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimOutbox("x"); err != nil {
		t.Fatal(err)
	}
	n, err := db.RequeueStale()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := testDB(t)

	got, err := db.LoadCursor("a", "c")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected no cursor, got %+v", got)
	}

	want := model.Cursor{MessageID: "m9", Timestamp: time.UnixMilli(9000).UTC()}
	if err := db.SaveCursor("a", "c", want); err != nil {
		t.Fatal(err)
	}
	got, err = db.LoadCursor("a", "c")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.MessageID != "m9" || !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("cursor = %+v, want %+v", got, want)
	}

	if err := db.ClearCursor("a", "c"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.LoadCursor("a", "c"); got != nil {
		t.Errorf("cursor survived clear: %+v", got)
	}
}

func TestPendingReceipts(t *testing.T) {
	db := testDB(t)

	if err := db.QueueReceipts("a", "c", []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueReceipts("a", "c", []string{"m2"}); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingReceipts("a")
	if err != nil {
		t.Fatal(err)
	}
	if got := pending["c"]; len(got) != 2 {
		t.Fatalf("pending = %v, want two receipts", pending)
	}

	if err := db.ClearReceipts("a", "c", []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingReceipts("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after clear = %v", pending)
	}
}
