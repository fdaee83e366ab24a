package redisstore

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix namespaces every key and channel the store touches.
const DefaultPrefix = "huddle:"

type keys struct {
	prefix string
}

func (k keys) chat(id string) string {
	return k.prefix + "chat:" + id
}

func (k keys) userChats(identity string) string {
	return k.prefix + "user:" + identity + ":chats"
}

func (k keys) pair(participantKey string) string {
	return k.prefix + "pair:" + participantKey
}

func (k keys) timeline(chatID string) string {
	return k.prefix + "chat:" + chatID + ":msgs"
}

func (k keys) message(chatID, id string) string {
	return k.prefix + "msg:" + chatID + ":" + id
}

func (k keys) typing(chatID string) string {
	return k.prefix + "typing:" + chatID
}

func (k keys) typist(chatID, identity string) string {
	return k.prefix + "typing:" + chatID + ":" + identity
}

func (k keys) file(id string) string {
	return k.prefix + "file:" + id
}

// Pub/sub channels carry no payload; subscribers re-read the snapshot.

func (k keys) chatsChannel(identity string) string {
	return k.prefix + "ev:chats:" + identity
}

func (k keys) messagesChannel(chatID string) string {
	return k.prefix + "ev:msgs:" + chatID
}

func (k keys) typingChannel(chatID string) string {
	return k.prefix + "ev:typing:" + chatID
}

// timelineMember orders messages by time then id under lexicographic
// comparison. All timeline members share score zero.
func timelineMember(ts time.Time, id string) string {
	return fmt.Sprintf("%013d:%s", ts.UnixMilli(), id)
}

func memberID(member string) string {
	_, id, _ := strings.Cut(member, ":")
	return id
}
