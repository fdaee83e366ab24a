// Package redisstore implements the upstream chat store on Redis.
//
// Documents are JSON strings. Each identity has a set of chat ids, each chat
// a lexicographically ordered timeline of message ids. Writes that read
// before they modify run under WATCH/MULTI. Every change publishes an empty
// signal on a pub/sub channel and subscribers re-read the full snapshot.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/upstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxTxAttempts bounds optimistic transaction retries under contention.
const maxTxAttempts = 16

// uploadChunk is the progress granularity of UploadAttachment.
const uploadChunk = 32 * 1024

// Config addresses a Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is an upstream.Store backed by Redis.
type Store struct {
	rdb    *redis.Client
	keys   keys
	logger *zap.Logger
}

var _ upstream.Store = (*Store)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return New(rdb, cfg.Prefix, logger), nil
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(rdb *redis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, keys: keys{prefix: prefix}, logger: logger.Named("redisstore")}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// netErr classifies a Redis failure as a network error.
func netErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrNetwork, err)
}

func (s *Store) Ping(ctx context.Context) error {
	return netErr("ping", s.rdb.Ping(ctx).Err())
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string, v *T) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func mgetJSON[T any](ctx context.Context, c *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// watch runs fn under WATCH on keys, retrying when a concurrent writer
// invalidates the transaction.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxAttempts {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v: too much contention", keys)
}

func (s *Store) signal(ctx context.Context, channels ...string) {
	for _, ch := range channels {
		if err := s.rdb.Publish(ctx, ch, "").Err(); err != nil {
			s.logger.Warn("failed to publish change signal", zap.String("channel", ch), zap.Error(err))
		}
	}
}

func (s *Store) signalChat(ctx context.Context, chat *model.Chat) {
	channels := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		channels = append(channels, s.keys.chatsChannel(p))
	}
	s.signal(ctx, channels...)
}

func (s *Store) chatsFor(ctx context.Context, identity string) ([]model.Chat, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.userChats(identity)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.chat(id)
	}
	chats, err := mgetJSON[model.Chat](ctx, s.rdb, keys)
	if err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []model.Chat{}
	}
	model.SortChats(chats)
	return chats, nil
}

func (s *Store) ListChats(ctx context.Context, identity string) ([]model.Chat, error) {
	chats, err := s.chatsFor(ctx, identity)
	return chats, netErr("list_chats", err)
}

func (s *Store) SubscribeChats(identity string, cb func([]model.Chat)) (func(), error) {
	return subscribe(s, s.keys.chatsChannel(identity), func(ctx context.Context) ([]model.Chat, error) {
		return s.chatsFor(ctx, identity)
	}, cb)
}

// CreateOrGet writes the chat document before claiming the participant key,
// so a caller that loses the SETNX race always finds the winner's document.
func (s *Store) CreateOrGet(ctx context.Context, participants []string, typ model.ChatType, meta model.ChatMeta) (model.Chat, error) {
	parts := model.NormalizeParticipants(participants)
	if len(parts) < 2 {
		return model.Chat{}, model.Invalid("participants", "at least two identities required")
	}
	if typ == model.Individual && len(parts) != 2 {
		return model.Chat{}, model.Invalid("participants", "individual chats have exactly two identities")
	}

	pairKey := s.keys.pair(upstream.ParticipantKey(parts))
	if typ == model.Individual {
		if chat, err := s.existingPair(ctx, pairKey); err == nil {
			return chat, nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return model.Chat{}, netErr("create_or_get", err)
		}
	}

	chat := model.Chat{
		ID:            uuid.NewString(),
		Type:          typ,
		Participants:  parts,
		DisplayName:   meta.DisplayName,
		DisplayAvatar: meta.DisplayAvatar,
		UnreadCount:   make(map[string]int, len(parts)),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	for _, p := range parts {
		chat.UnreadCount[p] = 0
	}
	doc, err := json.Marshal(chat)
	if err != nil {
		return model.Chat{}, fmt.Errorf("encode chat: %w", err)
	}
	if err := s.rdb.Set(ctx, s.keys.chat(chat.ID), doc, 0).Err(); err != nil {
		return model.Chat{}, netErr("create_or_get", err)
	}

	if typ == model.Individual {
		won, err := s.rdb.SetNX(ctx, pairKey, chat.ID, 0).Result()
		if err != nil {
			return model.Chat{}, netErr("create_or_get", err)
		}
		if !won {
			_ = s.rdb.Del(ctx, s.keys.chat(chat.ID)).Err()
			existing, err := s.existingPair(ctx, pairKey)
			return existing, netErr("create_or_get", err)
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range parts {
			p.SAdd(ctx, s.keys.userChats(id), chat.ID)
		}
		return nil
	})
	if err != nil {
		return model.Chat{}, netErr("create_or_get", err)
	}
	s.signalChat(ctx, &chat)
	s.logger.Debug("chat created", zap.String("chat_id", chat.ID), zap.String("type", string(typ)))
	return chat, nil
}

func (s *Store) existingPair(ctx context.Context, pairKey string) (model.Chat, error) {
	id, err := s.rdb.Get(ctx, pairKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.Chat{}, model.ErrNotFound
	}
	if err != nil {
		return model.Chat{}, err
	}
	var chat model.Chat
	if err := getJSON(ctx, s.rdb, s.keys.chat(id), &chat); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	var chat model.Chat
	if err := getJSON(ctx, s.rdb, s.keys.chat(chatID), &chat); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Chat{}, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
		}
		return model.Chat{}, netErr("get_chat", err)
	}
	return chat, nil
}

// updateChat applies fn to the chat document atomically and signals its
// participants.
func (s *Store) updateChat(ctx context.Context, op, chatID string, fn func(*model.Chat) error) error {
	key := s.keys.chat(chatID)
	var chat model.Chat
	err := s.watch(ctx, func(tx *redis.Tx) error {
		chat = model.Chat{}
		if err := getJSON(ctx, tx, key, &chat); err != nil {
			return err
		}
		if err := fn(&chat); err != nil {
			return err
		}
		doc, err := json.Marshal(chat)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	if err != nil {
		return netErr(op, err)
	}
	s.signalChat(ctx, &chat)
	return nil
}

func (s *Store) SetFlag(ctx context.Context, chatID string, flag model.Flag, on bool) error {
	if !flag.Valid() {
		return model.Invalid("flag", string(flag))
	}
	return s.updateChat(ctx, "set_flag", chatID, func(c *model.Chat) error {
		c.SetFlag(flag, on)
		return nil
	})
}

func (s *Store) SetUnread(ctx context.Context, chatID, identity string, count int) error {
	if count < 0 {
		return model.Invalid("count", "must not be negative")
	}
	return s.updateChat(ctx, "set_unread", chatID, func(c *model.Chat) error {
		if c.UnreadCount == nil {
			c.UnreadCount = make(map[string]int)
		}
		c.UnreadCount[identity] = count
		return nil
	})
}

func (s *Store) page(ctx context.Context, chatID string, limit int, before *model.Cursor) ([]model.Message, error) {
	by := &redis.ZRangeBy{Max: "+", Min: "-"}
	if before != nil {
		by.Max = "(" + timelineMember(before.Timestamp, before.MessageID)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.rdb.ZRevRangeByLex(ctx, s.keys.timeline(chatID), by).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.keys.message(chatID, memberID(m))
	}
	msgs, err := mgetJSON[model.Message](ctx, s.rdb, keys)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	model.SortMessagesDesc(msgs)
	return msgs, nil
}

func (s *Store) chatExists(ctx context.Context, chatID string) error {
	n, err := s.rdb.Exists(ctx, s.keys.chat(chatID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, chatID string, limit int, before *model.Cursor) ([]model.Message, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, netErr("messages", err)
	}
	msgs, err := s.page(ctx, chatID, limit, before)
	return msgs, netErr("messages", err)
}

func (s *Store) SubscribeMessages(chatID string, limit int, cb func([]model.Message)) (func(), error) {
	if err := s.chatExists(context.Background(), chatID); err != nil {
		return nil, netErr("subscribe_messages", err)
	}
	return subscribe(s, s.keys.messagesChannel(chatID), func(ctx context.Context) ([]model.Message, error) {
		return s.page(ctx, chatID, limit, nil)
	}, cb)
}

// Append stores msg once per id. The chat's last message and the other
// participants' unread counters change in the same transaction.
func (s *Store) Append(ctx context.Context, chatID string, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		return model.Message{}, model.Invalid("id", "must not be empty")
	}
	chatKey := s.keys.chat(chatID)
	msgKey := s.keys.message(chatID, msg.ID)

	var stored model.Message
	var chat model.Chat
	created := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		created = false
		chat = model.Chat{}
		if err := getJSON(ctx, tx, chatKey, &chat); err != nil {
			return err
		}
		stored = model.Message{}
		err := getJSON(ctx, tx, msgKey, &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		stored = msg.Clone()
		stored.ChatID = chatID
		stored.Status = model.StatusSent
		if stored.Timestamp.IsZero() {
			stored.Timestamp = time.Now().UTC()
		}
		stored.Timestamp = stored.Timestamp.Truncate(time.Millisecond)
		chat.NoteMessage(&stored)
		if chat.UnreadCount == nil {
			chat.UnreadCount = make(map[string]int)
		}
		for _, p := range chat.Participants {
			if p != stored.SenderID {
				chat.UnreadCount[p]++
			}
		}
		msgDoc, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		chatDoc, err := json.Marshal(chat)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, msgKey, msgDoc, 0)
			p.ZAdd(ctx, s.keys.timeline(chatID), redis.Z{Score: 0, Member: timelineMember(stored.Timestamp, stored.ID)})
			p.Set(ctx, chatKey, chatDoc, 0)
			return nil
		})
		created = err == nil
		return err
	}, chatKey, msgKey)
	if errors.Is(err, model.ErrNotFound) {
		return model.Message{}, fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, netErr("append", err)
	}
	if created {
		s.signal(ctx, s.keys.messagesChannel(chatID))
		s.signalChat(ctx, &chat)
	}
	return stored, nil
}

func (s *Store) SetTyping(ctx context.Context, chatID, identity string, typing bool, expiresAt time.Time) error {
	if err := s.chatExists(ctx, chatID); err != nil {
		return netErr("set_typing", err)
	}
	key := s.keys.typist(chatID, identity)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		ttl := time.Until(expiresAt)
		if !typing || ttl <= 0 {
			p.Del(ctx, key)
			p.SRem(ctx, s.keys.typing(chatID), identity)
			return nil
		}
		p.Set(ctx, key, expiresAt.UnixMilli(), ttl)
		p.SAdd(ctx, s.keys.typing(chatID), identity)
		return nil
	})
	if err != nil {
		return netErr("set_typing", err)
	}
	s.signal(ctx, s.keys.typingChannel(chatID))
	return nil
}

// typingFor returns unexpired entries. Keys expire on their own; the value
// check covers the gap before Redis evicts them.
func (s *Store) typingFor(ctx context.Context, chatID string) ([]model.TypingEntry, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.typing(chatID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	entries := []model.TypingEntry{}
	if len(ids) == 0 {
		return entries, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.typist(chatID, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		exp := time.UnixMilli(ms).UTC()
		if exp.After(now) {
			entries = append(entries, model.TypingEntry{Identity: ids[i], ExpiresAt: exp})
		}
	}
	return entries, nil
}

func (s *Store) SubscribeTyping(chatID string, cb func([]model.TypingEntry)) (func(), error) {
	return subscribe(s, s.keys.typingChannel(chatID), func(ctx context.Context) ([]model.TypingEntry, error) {
		return s.typingFor(ctx, chatID)
	}, cb)
}

// updateMessages applies fn to each listed message atomically.
func (s *Store) updateMessages(ctx context.Context, op, chatID string, ids []string, fn func(*model.Chat, *model.Message)) error {
	chatKey := s.keys.chat(chatID)
	watched := []string{chatKey}
	for _, id := range ids {
		watched = append(watched, s.keys.message(chatID, id))
	}
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var chat model.Chat
		if err := getJSON(ctx, tx, chatKey, &chat); err != nil {
			return err
		}
		docs := make(map[string][]byte, len(ids))
		for _, id := range ids {
			var msg model.Message
			err := getJSON(ctx, tx, s.keys.message(chatID, id), &msg)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			fn(&chat, &msg)
			doc, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			docs[s.keys.message(chatID, id)] = doc
		}
		if len(docs) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for key, doc := range docs {
				p.Set(ctx, key, doc, 0)
			}
			return nil
		})
		return err
	}, watched...)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("chat %q: %w", chatID, model.ErrNotFound)
	}
	if err != nil {
		return netErr(op, err)
	}
	s.signal(ctx, s.keys.messagesChannel(chatID))
	return nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, identity string, messageIDs []string, at time.Time) error {
	return s.updateMessages(ctx, "mark_read", chatID, messageIDs, func(chat *model.Chat, msg *model.Message) {
		if msg.ReadBy == nil {
			msg.ReadBy = make(map[string]time.Time)
		}
		if _, seen := msg.ReadBy[identity]; !seen {
			msg.ReadBy[identity] = at.UTC()
		}
		if identity == msg.SenderID {
			return
		}
		next := model.StatusDelivered
		if readByAll(chat, msg) {
			next = model.StatusRead
		}
		msg.Status = msg.Status.Merge(next)
	})
}

func readByAll(chat *model.Chat, msg *model.Message) bool {
	for _, p := range chat.Participants {
		if p != msg.SenderID && !msg.IsReadBy(p) {
			return false
		}
	}
	return true
}

func (s *Store) AddReaction(ctx context.Context, chatID, messageID, identity, reaction string) error {
	return s.react(ctx, "add_reaction", chatID, messageID, reaction, func(set []string) []string {
		if slices.Contains(set, identity) {
			return set
		}
		set = append(set, identity)
		slices.Sort(set)
		return set
	})
}

func (s *Store) RemoveReaction(ctx context.Context, chatID, messageID, identity, reaction string) error {
	return s.react(ctx, "remove_reaction", chatID, messageID, reaction, func(set []string) []string {
		return slices.DeleteFunc(set, func(id string) bool { return id == identity })
	})
}

func (s *Store) react(ctx context.Context, op, chatID, messageID, reaction string, fn func([]string) []string) error {
	exists, err := s.rdb.Exists(ctx, s.keys.message(chatID, messageID)).Result()
	if err != nil {
		return netErr(op, err)
	}
	if exists == 0 {
		return fmt.Errorf("message %q in chat %q: %w", messageID, chatID, model.ErrNotFound)
	}
	return s.updateMessages(ctx, op, chatID, []string{messageID}, func(_ *model.Chat, msg *model.Message) {
		if msg.Reactions == nil {
			msg.Reactions = make(map[string][]string)
		}
		set := fn(msg.Reactions[reaction])
		if len(set) == 0 {
			delete(msg.Reactions, reaction)
		} else {
			msg.Reactions[reaction] = set
		}
	})
}

// UploadAttachment streams file into a Redis string in chunks and returns a
// redis: URL naming the key.
func (s *Store) UploadAttachment(ctx context.Context, file model.Attachment, chatID, messageID string, onProgress upstream.ProgressFunc) (string, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return "", netErr("upload_attachment", err)
	}
	key := s.keys.file(chatID + ":" + messageID)
	total := int64(len(file.Data))
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return "", netErr("upload_attachment", err)
	}
	if total == 0 {
		if err := s.rdb.Set(ctx, key, "", 0).Err(); err != nil {
			return "", netErr("upload_attachment", err)
		}
	}
	var sent int64
	for sent < total {
		end := min(sent+uploadChunk, total)
		if err := s.rdb.Append(ctx, key, string(file.Data[sent:end])).Err(); err != nil {
			return "", netErr("upload_attachment", err)
		}
		sent = end
		if onProgress != nil {
			onProgress(sent, total)
		}
	}
	return "redis:" + key, nil
}

// File returns the bytes stored for a URL returned by UploadAttachment.
func (s *Store) File(ctx context.Context, url string) ([]byte, error) {
	key, ok := strings.CutPrefix(url, "redis:")
	if !ok {
		return nil, model.Invalid("url", "not a redis attachment")
	}
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("attachment %q: %w", url, model.ErrNotFound)
	}
	return data, netErr("file", err)
}
