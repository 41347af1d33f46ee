// Package conversation holds the process-wide conversation state: the
// Conversation and Message model and a Store that applies every change
// as a function over the latest state, writing each new version back to
// persistent storage.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// DefaultTitle is the title of a conversation before one is extracted.
const DefaultTitle = "New Chat"

// Attachment is an image or file attached to a message, carried as
// base64 with its MIME type.
type Attachment struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
}

// Citation is a grounding source attached to a streamed response.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// ReasoningStep is one entry in a simulated reasoning narrative.
type ReasoningStep struct {
	Phase string `json:"phase"`
	Text  string `json:"text"`
}

// Usage holds token counters reported by the model.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CandidatesTokens int `json:"candidates_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GeneratedImage is an image produced by generation or editing.
type GeneratedImage struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// Message is a single conversation entry. It is created when a turn
// starts, mutated in place while the turn runs and by background jobs,
// and left alone once a later turn starts.
type Message struct {
	ID      string      `json:"id"`
	Role    Role        `json:"role"`
	Content string      `json:"content"`
	Image   *Attachment `json:"image,omitempty"`
	File    *Attachment `json:"file,omitempty"`

	Sources          []Citation      `json:"sources,omitempty"`
	Thoughts         []ReasoningStep `json:"thoughts,omitempty"`
	ThinkingDuration int64           `json:"thinking_duration_ms,omitempty"`

	IsPlanning        bool `json:"is_planning,omitempty"`
	IsGeneratingImage bool `json:"is_generating_image,omitempty"`
	IsEditingImage    bool `json:"is_editing_image,omitempty"`

	// Requested options on an image-generation placeholder.
	ImageCount  int    `json:"image_count,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`

	Images        []GeneratedImage `json:"images,omitempty"`
	Usage         *Usage           `json:"usage,omitempty"`
	MemoryUpdated bool             `json:"memory_updated,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Phase names the transient state of a placeholder message. At most one
// phase is active at a time.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePlanning
	PhaseGeneratingImage
	PhaseEditingImage
)

// SetPhase sets exactly one transient flag (or none).
func (m *Message) SetPhase(p Phase) {
	m.IsPlanning = p == PhasePlanning
	m.IsGeneratingImage = p == PhaseGeneratingImage
	m.IsEditingImage = p == PhaseEditingImage
}

// Transient reports whether any transient flag is set.
func (m *Message) Transient() bool {
	return m.IsPlanning || m.IsGeneratingImage || m.IsEditingImage
}

// HasContent reports whether the message carries text, an image, or a
// file. Messages without content are never sent to the model.
func (m *Message) HasContent() bool {
	return m.Content != "" || m.Image != nil || m.File != nil
}

// Conversation is an ordered list of messages with its rolling summary.
type Conversation struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Messages          []Message `json:"messages"`
	Summary           string    `json:"summary,omitempty"`
	Pinned            bool      `json:"pinned,omitempty"`
	IsGeneratingTitle bool      `json:"is_generating_title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the store.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].clone()
	}
	return &out
}

func (m Message) clone() Message {
	if m.Image != nil {
		img := *m.Image
		m.Image = &img
	}
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	if m.Usage != nil {
		u := *m.Usage
		m.Usage = &u
	}
	m.Sources = append([]Citation(nil), m.Sources...)
	m.Thoughts = append([]ReasoningStep(nil), m.Thoughts...)
	m.Images = append([]GeneratedImage(nil), m.Images...)
	return m
}

// IndexOf returns the position of the message with the given id, or -1.
func (c *Conversation) IndexOf(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Message returns a pointer into Messages for in-place mutation inside
// an update function, or nil.
func (c *Conversation) Message(messageID string) *Message {
	if i := c.IndexOf(messageID); i >= 0 {
		return &c.Messages[i]
	}
	return nil
}

// Last returns the final message, or nil for an empty conversation.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// LastModelIndex returns the index of the most recent model message, or -1.
func (c *Conversation) LastModelIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleModel {
			return i
		}
	}
	return -1
}

// Truncate drops every message from index i onward.
func (c *Conversation) Truncate(i int) {
	if i < 0 {
		i = 0
	}
	if i < len(c.Messages) {
		c.Messages = c.Messages[:i]
	}
}

// RemoveMessage deletes the message with the given id, if present.
func (c *Conversation) RemoveMessage(messageID string) bool {
	i := c.IndexOf(messageID)
	if i < 0 {
		return false
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	return true
}

// NewID returns a time-ordered identifier for conversations, messages,
// and snippets.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
