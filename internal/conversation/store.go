package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Persister writes conversation state to durable storage. The Store
// calls it after every mutation. A nil Persister keeps state in memory
// only, which is what tests use.
type Persister interface {
	SaveConversation(ctx context.Context, c *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	LoadConversations(ctx context.Context) ([]*Conversation, error)
	SaveActive(ctx context.Context, id string) error
	LoadActive(ctx context.Context) (string, error)
}

// Store is the process-wide conversation list. Every mutation is a
// function over the latest state applied under the store lock, so
// concurrent writers (the streaming turn, background jobs, API calls)
// never lose each other's updates.
//
// Writers also hold writeMu across the mutation and its write-back, so
// the persister sees versions in the order they were made. Readers only
// take mu and never wait on storage.
type Store struct {
	writeMu sync.Mutex

	mu            sync.RWMutex
	conversations map[string]*Conversation
	active        string

	persist Persister
	logger  *slog.Logger
}

// NewStore creates an empty store. Call [Store.Load] to populate it
// from the persister.
func NewStore(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		persist:       p,
		logger:        logger.With("component", "conversations"),
	}
}

// Load replaces in-memory state with what the persister holds.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	convs, err := s.persist.LoadConversations(ctx)
	if err != nil {
		return err
	}
	active, err := s.persist.LoadActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c.Clone()
	}
	if _, ok := s.conversations[active]; ok {
		s.active = active
	} else {
		s.active = ""
	}

	s.logger.Info("conversations loaded", "count", len(convs), "active", s.active)
	return nil
}

// Create adds an empty conversation and returns a copy of it. It does
// not change the active selection.
func (s *Store) Create() *Conversation {
	now := time.Now().UTC()
	c := &Conversation{
		ID:        NewID(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.conversations[c.ID] = c
	out := c.Clone()
	s.mu.Unlock()

	s.save(out)
	return out
}

// Get returns a copy of the conversation, or false if it is unknown.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies of every conversation, pinned first, then most
// recently updated.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Update applies fn to the latest state of conversation id and writes
// the result back. fn must not retain the pointer it is given or call
// back into the store. The returned copy reflects the state after fn
// ran.
func (s *Store) Update(id string, fn func(c *Conversation)) (*Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()
	out := c.Clone()
	s.mu.Unlock()

	s.save(out)
	return out, nil
}

// Delete removes a conversation. Deleting the active conversation
// clears the selection.
func (s *Store) Delete(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.conversations[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.conversations, id)
	clearedActive := s.active == id
	if clearedActive {
		s.active = ""
	}
	s.mu.Unlock()

	if s.persist != nil {
		ctx := context.Background()
		if err := s.persist.DeleteConversation(ctx, id); err != nil {
			s.logger.Warn("failed to delete persisted conversation", "conversation", id, "error", err)
		}
		if clearedActive {
			s.saveActive("")
		}
	}
	return nil
}

// Active returns the selected conversation id, or "" when none is.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive selects a conversation. An empty id clears the selection.
func (s *Store) SetActive(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if id != "" {
		if _, ok := s.conversations[id]; !ok {
			s.mu.Unlock()
			return ErrNotFound
		}
	}
	s.active = id
	s.mu.Unlock()

	s.saveActive(id)
	return nil
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Store) save(c *Conversation) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveConversation(context.Background(), c); err != nil {
		s.logger.Warn("failed to persist conversation", "conversation", c.ID, "error", err)
	}
}

func (s *Store) saveActive(id string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveActive(context.Background(), id); err != nil {
		s.logger.Warn("failed to persist active conversation", "conversation", id, "error", err)
	}
}
