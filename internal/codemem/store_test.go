package codemem

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nugget/aria/internal/kvstore"
)

func TestAppendAndByIDs(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.Append(ctx, Snippet{ID: "a", Language: "go", Code: "package a", Description: "first"})
	s.Append(ctx, Snippet{ID: "b", Language: "js", Code: "console.log(1)", Description: "second"})
	s.Append(ctx, Snippet{ID: "c", Language: "text", Code: "plain", Description: "third"})

	got := s.ByIDs([]string{"c", "a", "missing"})
	if len(got) != 2 {
		t.Fatalf("ByIDs() len = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("ByIDs() order = %s,%s; want store order a,c", got[0].ID, got[1].ID)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestPersistenceAndCorruption(t *testing.T) {
	kv, err := kvstore.Open("sqlite", filepath.Join(t.TempDir(), "code.db"), nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	ctx := context.Background()

	s := NewStore(kv, nil)
	if err := s.Append(ctx, Snippet{ID: "a", Language: "js", Code: "console.log(1)", Description: "logs one"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	reloaded := NewStore(kv, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	all := reloaded.All()
	if len(all) != 1 || all[0].Code != "console.log(1)" {
		t.Errorf("All() after reload = %+v", all)
	}

	kv.Set(ctx, namespace, key, "[{broken")
	corrupt := NewStore(kv, nil)
	if err := corrupt.Load(ctx); err != nil {
		t.Fatalf("Load() corrupt error: %v", err)
	}
	if corrupt.Len() != 0 {
		t.Errorf("corrupt state loaded %d snippets", corrupt.Len())
	}
}

func TestAppend_ConcurrentWritesAllPersisted(t *testing.T) {
	kv, err := kvstore.Open("sqlite", filepath.Join(t.TempDir(), "code.db"), nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	ctx := context.Background()
	s := NewStore(kv, nil)

	const writers = 40
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sn := Snippet{ID: fmt.Sprintf("s%d", i), Language: "go", Code: "package x", Description: "snippet"}
			if err := s.Append(ctx, sn); err != nil {
				t.Errorf("Append(%d) error: %v", i, err)
			}
		}()
	}
	wg.Wait()

	reloaded := NewStore(kv, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := reloaded.Len(); got != writers {
		t.Errorf("persisted snippets = %d, want %d", got, writers)
	}
}
