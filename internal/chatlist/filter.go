package chatlist

import (
	"strings"

	"github.com/matheus3301/huddle/internal/model"
)

// Filter narrows a chat collection for display. Zero value shows every
// chat that is not archived.
type Filter struct {
	Query     string
	Unread    bool
	Favourite bool
	Group     bool
	Archived  bool
}

// Apply returns the chats matching f for the viewer self. chats is not modified.
func (f Filter) Apply(chats []model.Chat, self string) []model.Chat {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]model.Chat, 0, len(chats))
	for _, c := range chats {
		if c.Archived != f.Archived {
			continue
		}
		if f.Unread && c.Unread(self) == 0 {
			continue
		}
		if f.Favourite && !c.Favourite {
			continue
		}
		if f.Group && c.Type == model.Individual {
			continue
		}
		if q != "" && !matches(&c, q, self) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

func matches(c *model.Chat, q, self string) bool {
	if strings.Contains(strings.ToLower(c.DisplayName), q) {
		return true
	}
	if c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Text), q) {
		return true
	}
	for _, p := range c.Participants {
		if p != self && strings.Contains(strings.ToLower(p), q) {
			return true
		}
	}
	return false
}
