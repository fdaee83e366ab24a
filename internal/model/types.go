package model

import (
	"slices"
	"sort"
	"time"
)

// ChatType distinguishes one-to-one chats from group and team channels.
type ChatType string

const (
	Individual ChatType = "individual"
	Group      ChatType = "group"
	Team       ChatType = "team"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case Individual, Group, Team:
		return true
	}
	return false
}

// Flag names a boolean chat attribute that users toggle.
type Flag string

const (
	FlagArchived  Flag = "archived"
	FlagMuted     Flag = "muted"
	FlagPinned    Flag = "pinned"
	FlagFavourite Flag = "favourite"
)

// Valid reports whether f is a known chat flag.
func (f Flag) Valid() bool {
	switch f {
	case FlagArchived, FlagMuted, FlagPinned, FlagFavourite:
		return true
	}
	return false
}

// Identity is the resolved handle of an authenticated user.
type Identity struct {
	ID string
}

// LastMessage is the denormalized summary of the newest message in a chat.
type LastMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a persistent conversation between two or more identities.
type Chat struct {
	ID            string         `json:"id"`
	Type          ChatType       `json:"type"`
	Participants  []string       `json:"participants"`
	DisplayName   string         `json:"display_name,omitempty"`
	DisplayAvatar string         `json:"display_avatar,omitempty"`
	LastMessage   *LastMessage   `json:"last_message,omitempty"`
	UnreadCount   map[string]int `json:"unread_count,omitempty"`
	Archived      bool           `json:"archived,omitempty"`
	Muted         bool           `json:"muted,omitempty"`
	Pinned        bool           `json:"pinned,omitempty"`
	Favourite     bool           `json:"favourite,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ChatMeta carries the display fields supplied when a chat is first created.
type ChatMeta struct {
	DisplayName   string `json:"display_name,omitempty"`
	DisplayAvatar string `json:"display_avatar,omitempty"`
}

// Unread returns the unread counter for identity, never negative.
func (c *Chat) Unread(identity string) int {
	return max(c.UnreadCount[identity], 0)
}

// HasParticipant reports whether identity belongs to the chat.
func (c *Chat) HasParticipant(identity string) bool {
	return slices.Contains(c.Participants, identity)
}

// FlagValue returns the current value of f.
func (c *Chat) FlagValue(f Flag) bool {
	switch f {
	case FlagArchived:
		return c.Archived
	case FlagMuted:
		return c.Muted
	case FlagPinned:
		return c.Pinned
	case FlagFavourite:
		return c.Favourite
	}
	return false
}

// SetFlag sets f to on.
func (c *Chat) SetFlag(f Flag, on bool) {
	switch f {
	case FlagArchived:
		c.Archived = on
	case FlagMuted:
		c.Muted = on
	case FlagPinned:
		c.Pinned = on
	case FlagFavourite:
		c.Favourite = on
	}
}

// NoteMessage records m as the chat's last message unless a newer one is
// already recorded. Timestamp ties resolve by id, matching SortMessagesAsc.
func (c *Chat) NoteMessage(m *Message) bool {
	if lm := c.LastMessage; lm != nil {
		if m.Timestamp.Before(lm.Timestamp) {
			return false
		}
		if m.Timestamp.Equal(lm.Timestamp) && m.ID <= lm.MessageID {
			return false
		}
	}
	c.LastMessage = &LastMessage{MessageID: m.ID, SenderID: m.SenderID, Text: m.Text, Timestamp: m.Timestamp}
	return true
}

// Clone returns a deep copy of the chat.
func (c Chat) Clone() Chat {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	if c.UnreadCount != nil {
		counts := make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			counts[k] = v
		}
		c.UnreadCount = counts
	}
	return c
}

// NormalizeParticipants returns a sorted, de-duplicated copy of ids with blanks removed.
func NormalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// MessageType describes the payload carried by a message.
type MessageType string

const (
	TextMessage       MessageType = "text"
	AttachmentMessage MessageType = "attachment"
)

// Message is a single entry in a chat's history.
type Message struct {
	ID        string               `json:"id"`
	ChatID    string               `json:"chat_id"`
	SenderID  string               `json:"sender_id"`
	Text      string               `json:"text"`
	Type      MessageType          `json:"type"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Status    Status               `json:"status"`
	ReadBy    map[string]time.Time `json:"read_by,omitempty"`
	Reactions map[string][]string  `json:"reactions,omitempty"`
}

// IsReadBy reports whether identity has a read receipt on the message.
func (m *Message) IsReadBy(identity string) bool {
	_, ok := m.ReadBy[identity]
	return ok
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		meta := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	if m.ReadBy != nil {
		readBy := make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			readBy[k] = v
		}
		m.ReadBy = readBy
	}
	if m.Reactions != nil {
		reactions := make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = slices.Clone(v)
		}
		m.Reactions = reactions
	}
	return m
}

// Cursor marks the oldest message loaded for a chat; older pages are requested before it.
type Cursor struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Before reports whether m sorts strictly older than the cursor.
func (c Cursor) Before(m *Message) bool {
	if m.Timestamp.Equal(c.Timestamp) {
		return m.ID < c.MessageID
	}
	return m.Timestamp.Before(c.Timestamp)
}

// CursorOf returns the cursor pointing at m.
func CursorOf(m *Message) Cursor {
	return Cursor{MessageID: m.ID, Timestamp: m.Timestamp}
}

// TypingEntry records that an identity is typing until ExpiresAt.
type TypingEntry struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Attachment is a file handed to the upstream for storage.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// SortMessagesAsc orders messages oldest-first, breaking timestamp ties by id.
func SortMessagesAsc(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// SortMessagesDesc orders messages newest-first.
func SortMessagesDesc(msgs []Message) {
	SortMessagesAsc(msgs)
	slices.Reverse(msgs)
}

// SortChats orders chats by last message time descending. Chats without messages
// follow, newest created first.
func SortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i].LastMessage, chats[j].LastMessage
		switch {
		case a != nil && b != nil:
			if a.Timestamp.Equal(b.Timestamp) {
				return chats[i].ID < chats[j].ID
			}
			return a.Timestamp.After(b.Timestamp)
		case a != nil:
			return true
		case b != nil:
			return false
		}
		if chats[i].CreatedAt.Equal(chats[j].CreatedAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
}
