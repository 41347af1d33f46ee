package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nugget/aria/internal/kvstore"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore(nil, nil)

	c := s.Create()
	if c.Title != DefaultTitle {
		t.Errorf("Title = %q, want %q", c.Title, DefaultTitle)
	}
	if c.Messages == nil || len(c.Messages) != 0 {
		t.Errorf("Messages = %v, want empty non-nil slice", c.Messages)
	}

	got, ok := s.Get(c.ID)
	if !ok {
		t.Fatal("Get() did not find created conversation")
	}
	if got.ID != c.ID {
		t.Errorf("Get().ID = %q, want %q", got.ID, c.ID)
	}
	if s.Active() != "" {
		t.Errorf("Create changed active selection to %q", s.Active())
	}
}

func TestUpdate_ReturnsCopy(t *testing.T) {
	s := NewStore(nil, nil)
	c := s.Create()

	out, err := s.Update(c.ID, func(c *Conversation) {
		c.Messages = append(c.Messages, NewMessage(RoleUser, "hi"))
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	out.Messages[0].Content = "mutated outside"

	got, _ := s.Get(c.ID)
	if got.Messages[0].Content != "hi" {
		t.Errorf("store state changed through returned copy: %q", got.Messages[0].Content)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.Update("missing", func(*Conversation) {}); err != ErrNotFound {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_ConcurrentNoLostWrites(t *testing.T) {
	s := NewStore(nil, nil)
	c := s.Create()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(c.ID, func(c *Conversation) {
				c.Messages = append(c.Messages, NewMessage(RoleUser, "x"))
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get(c.ID)
	if len(got.Messages) != 50 {
		t.Errorf("len(Messages) = %d, want 50", len(got.Messages))
	}
}

func TestDelete_ClearsActive(t *testing.T) {
	s := NewStore(nil, nil)
	a := s.Create()
	b := s.Create()

	if err := s.SetActive(a.ID); err != nil {
		t.Fatalf("SetActive() error: %v", err)
	}
	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("Delete(b) error: %v", err)
	}
	if s.Active() != a.ID {
		t.Errorf("deleting inactive conversation changed selection to %q", s.Active())
	}

	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("Delete(a) error: %v", err)
	}
	if s.Active() != "" {
		t.Errorf("Active() = %q after deleting active conversation", s.Active())
	}
	if err := s.Delete(a.ID); err != ErrNotFound {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSetActive_Unknown(t *testing.T) {
	s := NewStore(nil, nil)
	if err := s.SetActive("nope"); err != ErrNotFound {
		t.Errorf("SetActive() error = %v, want ErrNotFound", err)
	}
}

func TestList_PinnedFirst(t *testing.T) {
	s := NewStore(nil, nil)
	old := s.Create()
	pinned := s.Create()
	recent := s.Create()

	s.Update(old.ID, func(c *Conversation) { c.Title = "old" })
	s.Update(pinned.ID, func(c *Conversation) { c.Pinned = true })
	s.Update(recent.ID, func(c *Conversation) { c.Title = "recent" })

	got := s.List()
	if len(got) != 3 {
		t.Fatalf("List() len = %d, want 3", len(got))
	}
	if got[0].ID != pinned.ID {
		t.Errorf("List()[0] = %q, want pinned conversation first", got[0].Title)
	}
	if got[1].ID != recent.ID {
		t.Errorf("List()[1] = %q, want most recently updated", got[1].Title)
	}
}

func TestMessageHelpers(t *testing.T) {
	c := &Conversation{}
	u := NewMessage(RoleUser, "q")
	m := NewMessage(RoleModel, "a")
	c.Messages = []Message{u, m}

	if c.IndexOf(m.ID) != 1 {
		t.Errorf("IndexOf() = %d, want 1", c.IndexOf(m.ID))
	}
	if c.LastModelIndex() != 1 {
		t.Errorf("LastModelIndex() = %d, want 1", c.LastModelIndex())
	}

	c.Message(m.ID).SetPhase(PhasePlanning)
	if !c.Messages[1].IsPlanning || !c.Messages[1].Transient() {
		t.Error("SetPhase(PhasePlanning) not applied in place")
	}
	c.Messages[1].SetPhase(PhaseEditingImage)
	if c.Messages[1].IsPlanning || !c.Messages[1].IsEditingImage {
		t.Error("SetPhase should keep transient flags mutually exclusive")
	}

	if !c.RemoveMessage(m.ID) || len(c.Messages) != 1 {
		t.Errorf("RemoveMessage() left %d messages", len(c.Messages))
	}
	c.Truncate(0)
	if len(c.Messages) != 0 {
		t.Errorf("Truncate(0) left %d messages", len(c.Messages))
	}
}

func TestHasContent(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "empty", msg: Message{}, want: false},
		{name: "text", msg: Message{Content: "x"}, want: true},
		{name: "image", msg: Message{Image: &Attachment{Data: "AA==", MIMEType: "image/png"}}, want: true},
		{name: "file", msg: Message{File: &Attachment{Data: "AA==", MIMEType: "application/pdf"}}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.HasContent(); got != tt.want {
				t.Errorf("HasContent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKVPersister_RoundTrip(t *testing.T) {
	kv, err := kvstore.Open("sqlite3", filepath.Join(t.TempDir(), "conv.db"), nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	p := NewKVPersister(kv, nil)
	s := NewStore(p, nil)
	c := s.Create()
	s.Update(c.ID, func(c *Conversation) {
		c.Title = "Trip Planning"
		c.Messages = append(c.Messages, NewMessage(RoleUser, "plan a trip"))
	})
	s.SetActive(c.ID)

	// A corrupt row must not prevent loading the rest.
	kv.Set(context.Background(), namespaceConversations, "broken", "{nope")

	reloaded := NewStore(p, nil)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reloaded.Len())
	}
	got, ok := reloaded.Get(c.ID)
	if !ok || got.Title != "Trip Planning" || len(got.Messages) != 1 {
		t.Errorf("reloaded conversation = %+v", got)
	}
	if reloaded.Active() != c.ID {
		t.Errorf("Active() = %q, want %q", reloaded.Active(), c.ID)
	}

	s.Delete(c.ID)
	again := NewStore(p, nil)
	again.Load(context.Background())
	if again.Len() != 0 || again.Active() != "" {
		t.Errorf("after delete: Len() = %d, Active() = %q", again.Len(), again.Active())
	}
}

func TestKVPersister_ConcurrentUpdatesAllPersisted(t *testing.T) {
	kv, err := kvstore.Open("sqlite3", filepath.Join(t.TempDir(), "conv.db"), nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	p := NewKVPersister(kv, nil)
	s := NewStore(p, nil)
	c := s.Create()

	const writers = 40
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Update(c.ID, func(c *Conversation) {
				c.Messages = append(c.Messages, NewMessage(RoleUser, fmt.Sprintf("message %d", i)))
			})
			if err != nil {
				t.Errorf("Update(%d) error: %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			s.Create()
		}()
	}
	wg.Wait()

	reloaded := NewStore(p, nil)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := reloaded.Len(); got != writers+1 {
		t.Errorf("persisted conversations = %d, want %d", got, writers+1)
	}
	got, ok := reloaded.Get(c.ID)
	if !ok {
		t.Fatalf("conversation %s not persisted", c.ID)
	}
	if len(got.Messages) != writers {
		t.Errorf("persisted messages = %d, want %d", len(got.Messages), writers)
	}
}
