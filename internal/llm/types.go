package llm

import (
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles used in Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Blob is inline binary data carried as base64 text, the form
// attachments take in conversation state.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
}

// Part is one piece of a Content: text or inline data, never both.
type Part struct {
	Text string `json:"text,omitempty"`
	Blob *Blob  `json:"blob,omitempty"`
}

// Content is a role plus ordered parts, the unit of model history.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part text Content.
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of c.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Transcript renders contents as "role: text" lines for background
// prompts. Parts without text are skipped.
func Transcript(contents []Content) string {
	var sb strings.Builder
	for _, c := range contents {
		text := strings.TrimSpace(c.Text())
		if text == "" {
			continue
		}
		role := c.Role
		if role == RoleModel {
			role = "assistant"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ReasoningStep is one entry of a plan's simulated reasoning narrative.
type ReasoningStep struct {
	Phase string `json:"phase"`
	Text  string `json:"text"`
}

// Plan is the planner's routing decision for one turn.
type Plan struct {
	NeedsWebSearch    bool            `json:"needsWebSearch"`
	NeedsThinking     bool            `json:"needsThinking"`
	NeedsCodeContext  bool            `json:"needsCodeContext"`
	IsImageGeneration bool            `json:"isImageGenerationRequest"`
	IsImageEdit       bool            `json:"isImageEditRequest"`
	Thoughts          []ReasoningStep `json:"thoughts"`
}

// PlanRequest is the input to Plan. File carries only a descriptor.
type PlanRequest struct {
	Prompt   string
	Image    *Blob
	FileName string
	FileMIME string
	Model    string
}

// SessionConfig configures one streamed response.
type SessionConfig struct {
	Model string
	// SystemInstruction is the fully assembled persona, title directive,
	// and fact block.
	SystemInstruction string
	Thinking          bool
	ThinkingBudget    int
	WebSearch         bool
}

// Citation is a grounding source.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// Usage holds token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CandidatesTokens int `json:"candidates_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one element of a response stream. Usage is usually present
// only on the final chunk.
type Chunk struct {
	Text      string
	Citations []Citation
	Usage     *Usage
}

// StreamCallback receives each streamed chunk in order.
type StreamCallback func(chunk Chunk)

// ImageRequest asks for count images of prompt at the given aspect
// ratio ("1:1", "16:9", ...).
type ImageRequest struct {
	Prompt      string
	Count       int
	AspectRatio string
}

// Image is generated image data, base64-encoded.
type Image struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// ImageResult is the output of GenerateImages.
type ImageResult struct {
	Model  string
	Images []Image
}

// EditResult is the output of EditImage. Either field may be empty.
type EditResult struct {
	Model string
	Text  string
	Image *Image
	Usage *Usage
}

// SnippetRef is the id/description pair sent for relevance retrieval.
type SnippetRef struct {
	ID          string
	Description string
}
