package model

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusRead, true},
		{StatusSent, StatusPending, false},
		{StatusRead, StatusDelivered, false},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSent, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusMergeNeverRegresses(t *testing.T) {
	tests := []struct {
		local, remote, want Status
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusRead, StatusSent, StatusRead},
		{StatusSent, StatusFailed, StatusFailed},
		{StatusDelivered, StatusFailed, StatusDelivered},
		{StatusFailed, StatusRead, StatusFailed},
	}
	for _, tt := range tests {
		if got := tt.local.Merge(tt.remote); got != tt.want {
			t.Errorf("%s merge %s = %s, want %s", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("send: %w", ErrAuthNotReady), KindAuthNotReady},
		{Invalid("text", "must not be empty"), KindValidation},
		{ErrOffline, KindNetwork},
		{fmt.Errorf("append: %w", ErrNetwork), KindNetwork},
		{fmt.Errorf("chat %q: %w", "c1", ErrNotFound), KindNotFound},
		{ErrBusy, KindBusy},
		{errors.New("disk full"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if Transient(ErrOffline) {
		t.Error("offline is not worth retrying")
	}
	if !Transient(fmt.Errorf("append: %w", ErrNetwork)) {
		t.Error("network errors are transient")
	}
	var verr *ValidationError
	if !errors.As(Invalid("count", "negative"), &verr) || verr.Field != "count" {
		t.Errorf("validation field = %+v", verr)
	}
}

func TestNormalizeParticipants(t *testing.T) {
	got := NormalizeParticipants([]string{"u2", "", "u1", "u2"})
	if !slices.Equal(got, []string{"u1", "u2"}) {
		t.Fatalf("got %v", got)
	}
}

func TestSortChats(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	chats := []Chat{
		{ID: "quiet-old", CreatedAt: base},
		{ID: "active", LastMessage: &LastMessage{Timestamp: base.Add(time.Hour)}},
		{ID: "quiet-new", CreatedAt: base.Add(time.Minute)},
		{ID: "older", LastMessage: &LastMessage{Timestamp: base.Add(time.Minute)}},
	}
	SortChats(chats)
	var ids []string
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	want := []string{"active", "older", "quiet-new", "quiet-old"}
	if !slices.Equal(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func TestNoteMessageKeepsNewest(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000).UTC()
	var c Chat

	tests := []struct {
		msg  Message
		want bool
		last string
	}{
		{Message{ID: "m2", Timestamp: base.Add(time.Minute)}, true, "m2"},
		{Message{ID: "m1", Timestamp: base}, false, "m2"},
		{Message{ID: "m0", Timestamp: base.Add(time.Minute)}, false, "m2"},
		{Message{ID: "m3", Timestamp: base.Add(time.Minute)}, true, "m3"},
		{Message{ID: "m4", Timestamp: base.Add(time.Hour)}, true, "m4"},
	}
	for _, tt := range tests {
		if got := c.NoteMessage(&tt.msg); got != tt.want {
			t.Errorf("NoteMessage(%s) = %v, want %v", tt.msg.ID, got, tt.want)
		}
		if c.LastMessage.MessageID != tt.last {
			t.Errorf("after %s last = %s, want %s", tt.msg.ID, c.LastMessage.MessageID, tt.last)
		}
	}
}

func TestCursorBefore(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	c := Cursor{MessageID: "m5", Timestamp: ts}
	tests := []struct {
		msg  Message
		want bool
	}{
		{Message{ID: "m9", Timestamp: ts.Add(-time.Second)}, true},
		{Message{ID: "m4", Timestamp: ts}, true},
		{Message{ID: "m5", Timestamp: ts}, false},
		{Message{ID: "m1", Timestamp: ts.Add(time.Second)}, false},
	}
	for _, tt := range tests {
		if got := c.Before(&tt.msg); got != tt.want {
			t.Errorf("Before(%s) = %v, want %v", tt.msg.ID, got, tt.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := Message{
		Metadata:  map[string]string{"url": "a"},
		ReadBy:    map[string]time.Time{"u1": time.Now()},
		Reactions: map[string][]string{"👍": {"u1"}},
	}
	c := m.Clone()
	c.Metadata["url"] = "b"
	c.Reactions["👍"][0] = "u2"
	delete(c.ReadBy, "u1")
	if m.Metadata["url"] != "a" || m.Reactions["👍"][0] != "u1" || !m.IsReadBy("u1") {
		t.Fatalf("clone shares state: %+v", m)
	}

	chat := Chat{Participants: []string{"u1"}, UnreadCount: map[string]int{"u1": 2}}
	cc := chat.Clone()
	cc.Participants[0] = "x"
	cc.UnreadCount["u1"] = 0
	if chat.Participants[0] != "u1" || chat.Unread("u1") != 2 {
		t.Fatalf("chat clone shares state: %+v", chat)
	}
}
