// Package reactions applies and summarizes emoji reactions on messages.
package reactions

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/upstream"
	"go.uber.org/zap"
)

// maxSymbolLen bounds a reaction symbol in bytes.
const maxSymbolLen = 32

type Identity interface {
	Require() (model.Identity, error)
}

type Presence interface {
	IsOnline() bool
}

// Aggregator writes reactions as the current identity.
type Aggregator struct {
	upstream upstream.Store
	identity Identity
	presence Presence
	logger   *zap.Logger
}

func New(up upstream.Store, id Identity, presence Presence, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		upstream: up,
		identity: id,
		presence: presence,
		logger:   logger.Named("reactions"),
	}
}

// Add records symbol from the current identity. Adding a reaction that is
// already present is a no-op.
func (a *Aggregator) Add(ctx context.Context, chatID, messageID, symbol string) error {
	self, err := a.prepare(chatID, messageID, symbol)
	if err != nil {
		return err
	}
	if err := a.upstream.AddReaction(ctx, chatID, messageID, self.ID, symbol); err != nil {
		return err
	}
	a.logger.Debug("reaction added", zap.String("chat_id", chatID), zap.String("message_id", messageID), zap.String("symbol", symbol))
	return nil
}

// Remove withdraws the current identity's symbol. Removing an absent reaction
// is a no-op.
func (a *Aggregator) Remove(ctx context.Context, chatID, messageID, symbol string) error {
	self, err := a.prepare(chatID, messageID, symbol)
	if err != nil {
		return err
	}
	return a.upstream.RemoveReaction(ctx, chatID, messageID, self.ID, symbol)
}

func (a *Aggregator) prepare(chatID, messageID, symbol string) (model.Identity, error) {
	switch {
	case chatID == "":
		return model.Identity{}, model.Invalid("chat_id", "must not be empty")
	case messageID == "":
		return model.Identity{}, model.Invalid("message_id", "must not be empty")
	}
	if err := ValidSymbol(symbol); err != nil {
		return model.Identity{}, err
	}
	self, err := a.identity.Require()
	if err != nil {
		return model.Identity{}, err
	}
	if !a.presence.IsOnline() {
		return model.Identity{}, model.ErrOffline
	}
	return self, nil
}

// ValidSymbol rejects blank, oversized or non-UTF-8 symbols.
func ValidSymbol(symbol string) error {
	switch {
	case strings.TrimSpace(symbol) == "":
		return model.Invalid("reaction", "must not be empty")
	case len(symbol) > maxSymbolLen:
		return model.Invalid("reaction", "too long")
	case !utf8.ValidString(symbol):
		return model.Invalid("reaction", "not valid UTF-8")
	}
	return nil
}

// Summary is one row of a message's reaction bar.
type Summary struct {
	Symbol       string `json:"symbol"`
	Count        int    `json:"count"`
	IncludesSelf bool   `json:"includes_self"`
}

// Summarize returns msg's reactions, most used first and then by symbol.
// Symbols with no remaining identities are omitted.
func Summarize(msg *model.Message, self string) []Summary {
	out := make([]Summary, 0, len(msg.Reactions))
	for symbol, ids := range msg.Reactions {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id != "" {
				seen[id] = struct{}{}
			}
		}
		if len(seen) == 0 {
			continue
		}
		_, mine := seen[self]
		out = append(out, Summary{Symbol: symbol, Count: len(seen), IncludesSelf: self != "" && mine})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
