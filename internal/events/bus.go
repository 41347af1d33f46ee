// Package events provides a publish/subscribe bus for turn progress.
// Events flow from the orchestrator, the enrichment workers and the
// health watchers to subscribers such as the SSE turn handler, the
// WebSocket feed and the MQTT bridge. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the turn orchestrator.
	SourceOrchestrator = "orchestrator"
	// SourceEnrich identifies events from background enrichment jobs.
	SourceEnrich = "enrich"
	// SourceHealth identifies events from the service health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnState signals a turn state transition.
	// Data: turn_id, conversation_id, state.
	KindTurnState = "turn_state"
	// KindMessageUpdate carries the latest state of the in-flight
	// assistant message.
	// Data: conversation_id, message_id, content, thinking_duration_ms,
	// sources.
	KindMessageUpdate = "message_update"
	// KindTitle signals a conversation title change.
	// Data: conversation_id, title.
	KindTitle = "title"
	// KindTurnError signals a failed turn. The message is already
	// user-facing.
	// Data: conversation_id, message_id, message.
	KindTurnError = "turn_error"
	// KindImageOptions signals that an image request is waiting for the
	// user to choose generation options.
	// Data: conversation_id, prompt.
	KindImageOptions = "image_options"
	// KindConversation signals a conversation was created, selected,
	// or deleted.
	// Data: conversation_id, action.
	KindConversation = "conversation"
	// KindUsage signals a recorded usage row for one model call.
	// Data: turn_id, conversation_id, model, kind, input_tokens,
	// output_tokens, images, cost_usd.
	KindUsage = "usage"

	// KindJobDone signals a background job completed.
	// Data: job, conversation_id, duration_ms.
	KindJobDone = "job_done"
	// KindJobFailed signals a background job failed. Failures are
	// never retried.
	// Data: job, conversation_id, error.
	KindJobFailed = "job_failed"
	// KindMemoryUpdated signals new long-term memory facts.
	// Data: conversation_id, message_id, added.
	KindMemoryUpdated = "memory_updated"

	// KindService signals a watched service became ready or unreachable.
	// Data: service, ready, error.
	KindService = "service"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// FromSource matches events published by source.
func FromSource(source string) Filter {
	return func(e Event) bool { return e.Source == source }
}

// ForConversation matches events about conversation id. An empty id
// matches everything.
func ForConversation(id string) Filter {
	if id == "" {
		return nil
	}
	return func(e Event) bool { return e.ConversationID() == id }
}

// ConversationID returns the conversation_id data field, or "".
func (e Event) ConversationID() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

type subscription struct {
	ch      chan Event
	filters []Filter
}

func (s *subscription) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a subscriber whose buffer is full misses the
// event rather than blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Uint64
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every matching subscriber. Publishing on a nil
// bus is a no-op so components can run without one.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of events that pass every filter. Nil
// filters are ignored. The caller must call [Bus.Unsubscribe] when done.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	for _, f := range filters {
		if f != nil {
			sub.filters = append(sub.filters, f)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
