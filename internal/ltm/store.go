// Package ltm holds long-term memory: short factual statements about
// the user, learned across conversations. Facts are only ever appended
// and no two facts are exact duplicates.
package ltm

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/aria/internal/kvstore"
)

const (
	namespace = "memory"
	key       = "ltm"
)

// Store is the process-wide fact list, persisted as a JSON array of
// strings. A nil kvstore keeps facts in memory only. writeMu orders
// write-backs so the last snapshot persisted is the latest one.
type Store struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	facts  []string
	kv     *kvstore.Store
	logger *slog.Logger
}

// NewStore returns an empty store backed by kv.
func NewStore(kv *kvstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "ltm")}
}

// Load reads persisted facts. Absent or corrupt state loads as empty.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var facts []string
	if _, err := s.kv.GetJSON(ctx, namespace, key, &facts); err != nil {
		return err
	}

	s.mu.Lock()
	s.facts = dedupe(nil, facts)
	n := len(s.facts)
	s.mu.Unlock()

	s.logger.Debug("long-term memory loaded", "facts", n)
	return nil
}

// All returns a copy of every fact in insertion order.
func (s *Store) All() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.facts...)
}

// Append adds the facts not already present verbatim and returns the
// ones actually added. Blank entries are ignored. Nothing is written
// when no fact is new.
func (s *Store) Append(ctx context.Context, facts []string) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	added := dedupe(s.facts, facts)
	if len(added) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	s.facts = append(s.facts, added...)
	snapshot := append([]string(nil), s.facts...)
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.SetJSON(ctx, namespace, key, snapshot); err != nil {
			return added, err
		}
	}
	s.logger.Info("long-term memory updated", "added", len(added), "total", len(snapshot))
	return added, nil
}

// Block renders the facts for inclusion in a system instruction, or ""
// when there are none.
func (s *Store) Block() string {
	facts := s.All()
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// dedupe returns the entries of candidates that appear neither in
// existing nor earlier in candidates.
func dedupe(existing, candidates []string) []string {
	seen := make(map[string]bool, len(existing)+len(candidates))
	for _, f := range existing {
		seen[f] = true
	}
	var out []string
	for _, f := range candidates {
		if strings.TrimSpace(f) == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
