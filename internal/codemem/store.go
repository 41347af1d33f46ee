// Package codemem keeps code snippets lifted from assistant answers so
// later turns can retrieve them by relevance to the prompt.
package codemem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/aria/internal/kvstore"
)

const (
	namespace = "memory"
	key       = "code"
)

// Snippet is one saved code block. Description is a single sentence
// used for relevance retrieval.
type Snippet struct {
	ID          string `json:"id"`
	Language    string `json:"language"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Store is the process-wide snippet list, persisted as a JSON array.
// Appends hold writeMu through the write-back so snapshots reach the
// kvstore in the order they were taken.
type Store struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	snippets []Snippet
	kv       *kvstore.Store
	logger   *slog.Logger
}

// NewStore returns an empty store backed by kv. A nil kv keeps
// snippets in memory only.
func NewStore(kv *kvstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "codemem")}
}

// Load reads persisted snippets. Absent or corrupt state loads as empty.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var snippets []Snippet
	if _, err := s.kv.GetJSON(ctx, namespace, key, &snippets); err != nil {
		return err
	}

	s.mu.Lock()
	s.snippets = snippets
	s.mu.Unlock()
	return nil
}

// All returns a copy of every snippet in insertion order.
func (s *Store) All() []Snippet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Snippet(nil), s.snippets...)
}

// Len returns the number of saved snippets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snippets)
}

// Append saves a snippet and writes the full list back.
func (s *Store) Append(ctx context.Context, sn Snippet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.snippets = append(s.snippets, sn)
	snapshot := append([]Snippet(nil), s.snippets...)
	s.mu.Unlock()

	s.logger.Debug("code snippet saved", "id", sn.ID, "language", sn.Language)
	if s.kv == nil {
		return nil
	}
	return s.kv.SetJSON(ctx, namespace, key, snapshot)
}

// ByIDs returns the snippets whose id is in ids, in store order.
// Unknown ids are ignored.
func (s *Store) ByIDs(ids []string) []Snippet {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snippet
	for _, sn := range s.snippets {
		if want[sn.ID] {
			out = append(out, sn)
		}
	}
	return out
}
