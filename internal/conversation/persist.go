package conversation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/aria/internal/kvstore"
)

const (
	namespaceConversations = "conversations"
	namespaceSession       = "session"
	keyActive              = "active"
)

// KVPersister stores each conversation as a JSON document in the
// key-value store, one key per conversation id.
type KVPersister struct {
	kv     *kvstore.Store
	logger *slog.Logger
}

// NewKVPersister returns a Persister backed by kv.
func NewKVPersister(kv *kvstore.Store, logger *slog.Logger) *KVPersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVPersister{kv: kv, logger: logger.With("component", "conversations")}
}

// SaveConversation writes c under its id.
func (p *KVPersister) SaveConversation(ctx context.Context, c *Conversation) error {
	return p.kv.SetJSON(ctx, namespaceConversations, c.ID, c)
}

// DeleteConversation removes the stored document for id.
func (p *KVPersister) DeleteConversation(ctx context.Context, id string) error {
	return p.kv.Delete(ctx, namespaceConversations, id)
}

// LoadConversations decodes every stored conversation. Entries that do
// not decode are skipped with a warning rather than failing startup.
func (p *KVPersister) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	raw, err := p.kv.List(ctx, namespaceConversations)
	if err != nil {
		return nil, err
	}

	out := make([]*Conversation, 0, len(raw))
	for key, value := range raw {
		var c Conversation
		if err := json.Unmarshal([]byte(value), &c); err != nil || c.ID == "" {
			p.logger.Warn("skipping undecodable conversation", "key", key, "error", err)
			continue
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		out = append(out, &c)
	}
	return out, nil
}

// SaveActive records the selected conversation id.
func (p *KVPersister) SaveActive(ctx context.Context, id string) error {
	if id == "" {
		return p.kv.Delete(ctx, namespaceSession, keyActive)
	}
	return p.kv.Set(ctx, namespaceSession, keyActive, id)
}

// LoadActive returns the stored selection, or "".
func (p *KVPersister) LoadActive(ctx context.Context) (string, error) {
	return p.kv.Get(ctx, namespaceSession, keyActive)
}
