// Package memory is an in-process upstream store. It backs tests and the
// daemon's "memory" backend, where every client shares one process.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/feed"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/upstream"
)

var _ upstream.Store = (*Store)(nil)

type messageSub struct {
	limit int
	feed  *feed.Feed[[]model.Message]
}

// Store keeps chats, messages and typing state in memory.
type Store struct {
	mu       sync.Mutex
	chats    map[string]*model.Chat
	byKey    map[string]string
	messages map[string]map[string]model.Message
	typing   map[string]map[string]time.Time
	files    map[string][]byte
	fault    func(op string) error

	chatSubs   map[string]map[*feed.Feed[[]model.Chat]]struct{}
	msgSubs    map[string]map[*messageSub]struct{}
	typingSubs map[string]map[*feed.Feed[[]model.TypingEntry]]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		chats:      make(map[string]*model.Chat),
		byKey:      make(map[string]string),
		messages:   make(map[string]map[string]model.Message),
		typing:     make(map[string]map[string]time.Time),
		files:      make(map[string][]byte),
		chatSubs:   make(map[string]map[*feed.Feed[[]model.Chat]]struct{}),
		msgSubs:    make(map[string]map[*messageSub]struct{}),
		typingSubs: make(map[string]map[*feed.Feed[[]model.TypingEntry]]struct{}),
	}
}

// SetFault installs a hook consulted before every operation; a non-nil
// return fails the operation with that error. Pass nil to clear it.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping reports reachability through the fault hook.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

func (s *Store) ListChats(_ context.Context, identity string) ([]model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_chats"); err != nil {
		return nil, err
	}
	return s.chatsFor(identity), nil
}

func (s *Store) SubscribeChats(identity string, cb func([]model.Chat)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe_chats"); err != nil {
		return nil, err
	}
	f := feed.New(cb)
	if s.chatSubs[identity] == nil {
		s.chatSubs[identity] = make(map[*feed.Feed[[]model.Chat]]struct{})
	}
	s.chatSubs[identity][f] = struct{}{}
	f.OnClose(func() {
		s.mu.Lock()
		delete(s.chatSubs[identity], f)
		s.mu.Unlock()
	})
	f.Publish(s.chatsFor(identity))
	return f.Close, nil
}

func (s *Store) CreateOrGet(_ context.Context, participants []string, typ model.ChatType, meta model.ChatMeta) (model.Chat, error) {
	parts := model.NormalizeParticipants(participants)
	if len(parts) < 2 {
		return model.Chat{}, model.Invalid("participants", "at least two identities required")
	}
	if typ == model.Individual && len(parts) != 2 {
		return model.Chat{}, model.Invalid("participants", "individual chats have exactly two identities")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_or_get"); err != nil {
		return model.Chat{}, err
	}
	key := upstream.ParticipantKey(parts)
	if typ == model.Individual {
		if id, ok := s.byKey[key]; ok {
			return s.chats[id].Clone(), nil
		}
	}
	chat := &model.Chat{
		ID:            uuid.NewString(),
		Type:          typ,
		Participants:  parts,
		DisplayName:   meta.DisplayName,
		DisplayAvatar: meta.DisplayAvatar,
		UnreadCount:   make(map[string]int, len(parts)),
		CreatedAt:     time.Now().UTC(),
	}
	for _, p := range parts {
		chat.UnreadCount[p] = 0
	}
	s.chats[chat.ID] = chat
	s.messages[chat.ID] = make(map[string]model.Message)
	if typ == model.Individual {
		s.byKey[key] = chat.ID
	}
	s.notifyChats(chat)
	return chat.Clone(), nil
}

func (s *Store) GetChat(_ context.Context, chatID string) (model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_chat"); err != nil {
		return model.Chat{}, err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return model.Chat{}, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	return chat.Clone(), nil
}

func (s *Store) SetFlag(_ context.Context, chatID string, flag model.Flag, on bool) error {
	if !flag.Valid() {
		return model.Invalid("flag", string(flag))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set_flag"); err != nil {
		return err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	chat.SetFlag(flag, on)
	s.notifyChats(chat)
	return nil
}

func (s *Store) Messages(_ context.Context, chatID string, limit int, before *model.Cursor) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("messages"); err != nil {
		return nil, err
	}
	if _, ok := s.chats[chatID]; !ok {
		return nil, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	return s.page(chatID, limit, before), nil
}

func (s *Store) SubscribeMessages(chatID string, limit int, cb func([]model.Message)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe_messages"); err != nil {
		return nil, err
	}
	if _, ok := s.chats[chatID]; !ok {
		return nil, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	sub := &messageSub{limit: limit, feed: feed.New(cb)}
	if s.msgSubs[chatID] == nil {
		s.msgSubs[chatID] = make(map[*messageSub]struct{})
	}
	s.msgSubs[chatID][sub] = struct{}{}
	sub.feed.OnClose(func() {
		s.mu.Lock()
		delete(s.msgSubs[chatID], sub)
		s.mu.Unlock()
	})
	sub.feed.Publish(s.page(chatID, limit, nil))
	return sub.feed.Close, nil
}

func (s *Store) Append(_ context.Context, chatID string, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append"); err != nil {
		return model.Message{}, err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return model.Message{}, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	if existing, ok := s.messages[chatID][msg.ID]; ok {
		return existing.Clone(), nil
	}
	msg = msg.Clone()
	msg.ChatID = chatID
	msg.Status = model.StatusSent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.messages[chatID][msg.ID] = msg

	chat.NoteMessage(&msg)
	for _, p := range chat.Participants {
		if p != msg.SenderID {
			chat.UnreadCount[p]++
		}
	}
	s.notifyChats(chat)
	s.notifyMessages(chatID)
	return msg.Clone(), nil
}

func (s *Store) SetTyping(_ context.Context, chatID, identity string, typing bool, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set_typing"); err != nil {
		return err
	}
	if _, ok := s.chats[chatID]; !ok {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	if s.typing[chatID] == nil {
		s.typing[chatID] = make(map[string]time.Time)
	}
	if typing {
		s.typing[chatID][identity] = expiresAt
	} else {
		delete(s.typing[chatID], identity)
	}
	for f := range s.typingSubs[chatID] {
		f.Publish(s.typingFor(chatID))
	}
	return nil
}

func (s *Store) SubscribeTyping(chatID string, cb func([]model.TypingEntry)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe_typing"); err != nil {
		return nil, err
	}
	f := feed.New(cb)
	if s.typingSubs[chatID] == nil {
		s.typingSubs[chatID] = make(map[*feed.Feed[[]model.TypingEntry]]struct{})
	}
	s.typingSubs[chatID][f] = struct{}{}
	f.OnClose(func() {
		s.mu.Lock()
		delete(s.typingSubs[chatID], f)
		s.mu.Unlock()
	})
	f.Publish(s.typingFor(chatID))
	return f.Close, nil
}

func (s *Store) MarkRead(_ context.Context, chatID, identity string, messageIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark_read"); err != nil {
		return err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	for _, id := range messageIDs {
		msg, ok := s.messages[chatID][id]
		if !ok {
			continue
		}
		if msg.ReadBy == nil {
			msg.ReadBy = make(map[string]time.Time)
		}
		if _, seen := msg.ReadBy[identity]; !seen {
			msg.ReadBy[identity] = at
		}
		if identity != msg.SenderID && readByAllRecipients(chat, &msg) {
			msg.Status = msg.Status.Merge(model.StatusRead)
		} else if identity != msg.SenderID {
			msg.Status = msg.Status.Merge(model.StatusDelivered)
		}
		s.messages[chatID][id] = msg
	}
	s.notifyMessages(chatID)
	return nil
}

func readByAllRecipients(chat *model.Chat, msg *model.Message) bool {
	for _, p := range chat.Participants {
		if p != msg.SenderID && !msg.IsReadBy(p) {
			return false
		}
	}
	return true
}

func (s *Store) SetUnread(_ context.Context, chatID, identity string, count int) error {
	if count < 0 {
		return model.Invalid("count", "must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set_unread"); err != nil {
		return err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	chat.UnreadCount[identity] = count
	s.notifyChats(chat)
	return nil
}

func (s *Store) AddReaction(_ context.Context, chatID, messageID, identity, reaction string) error {
	return s.updateReaction("add_reaction", chatID, messageID, func(set []string) []string {
		if slices.Contains(set, identity) {
			return set
		}
		set = append(set, identity)
		slices.Sort(set)
		return set
	}, reaction)
}

func (s *Store) RemoveReaction(_ context.Context, chatID, messageID, identity, reaction string) error {
	return s.updateReaction("remove_reaction", chatID, messageID, func(set []string) []string {
		return slices.DeleteFunc(set, func(id string) bool { return id == identity })
	}, reaction)
}

func (s *Store) updateReaction(op, chatID, messageID string, fn func([]string) []string, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op); err != nil {
		return err
	}
	msg, ok := s.messages[chatID][messageID]
	if !ok {
		return fmt.Errorf("message %q in chat %q: %w", messageID, chatID, model.ErrNotFound)
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	set := fn(msg.Reactions[reaction])
	if len(set) == 0 {
		delete(msg.Reactions, reaction)
	} else {
		msg.Reactions[reaction] = set
	}
	s.messages[chatID][messageID] = msg
	s.notifyMessages(chatID)
	return nil
}

// uploadChunk is the progress granularity of UploadAttachment.
const uploadChunk = 32 * 1024

func (s *Store) UploadAttachment(ctx context.Context, file model.Attachment, chatID, messageID string, onProgress upstream.ProgressFunc) (string, error) {
	s.mu.Lock()
	if err := s.check("upload_attachment"); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if _, ok := s.chats[chatID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	s.mu.Unlock()

	total := int64(len(file.Data))
	for sent := int64(0); sent < total; {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sent = min(sent+uploadChunk, total)
		if onProgress != nil {
			onProgress(sent, total)
		}
	}
	url := fmt.Sprintf("memory://%s/%s/%s", chatID, messageID, file.Name)
	s.mu.Lock()
	s.files[url] = slices.Clone(file.Data)
	s.mu.Unlock()
	return url, nil
}

// File returns the bytes stored under an attachment URL.
func (s *Store) File(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[url]
	return data, ok
}

func (s *Store) chatsFor(identity string) []model.Chat {
	chats := make([]model.Chat, 0)
	for _, c := range s.chats {
		if c.HasParticipant(identity) {
			chats = append(chats, c.Clone())
		}
	}
	model.SortChats(chats)
	return chats
}

func (s *Store) page(chatID string, limit int, before *model.Cursor) []model.Message {
	all := make([]model.Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		if before == nil || before.Before(&m) {
			all = append(all, m.Clone())
		}
	}
	model.SortMessagesDesc(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *Store) typingFor(chatID string) []model.TypingEntry {
	entries := make([]model.TypingEntry, 0, len(s.typing[chatID]))
	for id, exp := range s.typing[chatID] {
		entries = append(entries, model.TypingEntry{Identity: id, ExpiresAt: exp})
	}
	slices.SortFunc(entries, func(a, b model.TypingEntry) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return entries
}

func (s *Store) notifyChats(chat *model.Chat) {
	for _, p := range chat.Participants {
		if len(s.chatSubs[p]) == 0 {
			continue
		}
		for f := range s.chatSubs[p] {
			f.Publish(s.chatsFor(p))
		}
	}
}

func (s *Store) notifyMessages(chatID string) {
	for sub := range s.msgSubs[chatID] {
		sub.feed.Publish(s.page(chatID, sub.limit, nil))
	}
}
