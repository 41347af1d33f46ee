// Package assembler builds the exact history sent to the model for a
// turn: an optional synthetic exchange carrying the rolling summary, an
// optional synthetic exchange carrying relevant saved code, then the
// trailing messages that preceded the current turn.
package assembler

import (
	"context"
	"log/slog"

	"github.com/nugget/aria/internal/codemem"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/prompts"
)

// DefaultHistory is how many prior messages are sent verbatim.
const DefaultHistory = 4

// Relevance picks the saved snippets that matter to a prompt.
type Relevance interface {
	ExtractRelevantSnippets(ctx context.Context, prompt string, refs []llm.SnippetRef) ([]string, error)
}

// Snippets is the read side of code memory.
type Snippets interface {
	All() []codemem.Snippet
	ByIDs(ids []string) []codemem.Snippet
}

// Assembler builds model history.
type Assembler struct {
	relevance Relevance
	snippets  Snippets
	history   int
	logger    *slog.Logger
}

// New creates an assembler. history <= 0 uses DefaultHistory.
func New(relevance Relevance, snippets Snippets, history int, logger *slog.Logger) *Assembler {
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		relevance: relevance,
		snippets:  snippets,
		history:   history,
		logger:    logger.With("component", "assembler"),
	}
}

// Input describes one turn's context needs.
type Input struct {
	// Messages are the conversation's messages before the current turn's
	// user message and placeholder were appended.
	Messages         []conversation.Message
	Summary          string
	Prompt           string
	NeedsCodeContext bool
}

// Result is the assembled history plus what went into it.
type Result struct {
	History    []llm.Content
	SnippetIDs []string
}

// Build assembles history for a turn. Relevance failures degrade to no
// code context.
func (a *Assembler) Build(ctx context.Context, in Input) *Result {
	res := &Result{}

	if in.Summary != "" {
		res.History = append(res.History,
			llm.TextContent(llm.RoleUser, prompts.SummaryContext(in.Summary)),
			llm.TextContent(llm.RoleModel, prompts.SummaryAck),
		)
	}

	if snippets := a.relevantSnippets(ctx, in); len(snippets) > 0 {
		cs := make([]prompts.CodeSnippet, len(snippets))
		for i, s := range snippets {
			cs[i] = prompts.CodeSnippet{Language: s.Language, Description: s.Description, Code: s.Code}
			res.SnippetIDs = append(res.SnippetIDs, s.ID)
		}
		res.History = append(res.History,
			llm.TextContent(llm.RoleUser, prompts.CodeContext(cs)),
			llm.TextContent(llm.RoleModel, prompts.CodeAck),
		)
	}

	res.History = append(res.History, Recent(in.Messages, a.history)...)
	return res
}

func (a *Assembler) relevantSnippets(ctx context.Context, in Input) []codemem.Snippet {
	if !in.NeedsCodeContext || a.snippets == nil || a.relevance == nil {
		return nil
	}
	all := a.snippets.All()
	if len(all) == 0 {
		return nil
	}

	refs := make([]llm.SnippetRef, len(all))
	for i, s := range all {
		refs[i] = llm.SnippetRef{ID: s.ID, Description: s.Description}
	}

	ids, err := a.relevance.ExtractRelevantSnippets(ctx, in.Prompt, refs)
	if err != nil {
		a.logger.Warn("snippet relevance failed, continuing without code context", "error", err)
		return nil
	}
	found := a.snippets.ByIDs(ids)
	a.logger.Debug("code context selected", "candidates", len(all), "selected", len(found))
	return found
}

// Recent converts the trailing n messages to model content, dropping
// messages with no text, image, or file.
func Recent(messages []conversation.Message, n int) []llm.Content {
	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	out := make([]llm.Content, 0, len(messages))
	for i := range messages {
		if c, ok := ToContent(&messages[i]); ok {
			out = append(out, c)
		}
	}
	return out
}

// ToContent converts a message to role plus parts: text, image, file,
// each only when present. It reports false for a message with none.
func ToContent(m *conversation.Message) (llm.Content, bool) {
	if !m.HasContent() {
		return llm.Content{}, false
	}
	role := llm.RoleUser
	if m.Role == conversation.RoleModel {
		role = llm.RoleModel
	}
	return llm.Content{Role: role, Parts: UserParts(m.Content, m.Image, m.File)}, true
}

// UserParts builds the parts for a prompt and its attachments, in the
// order text, image, file.
func UserParts(text string, image, file *conversation.Attachment) []llm.Part {
	var parts []llm.Part
	if text != "" {
		parts = append(parts, llm.Part{Text: text})
	}
	if image != nil {
		parts = append(parts, llm.Part{Blob: BlobFrom(image)})
	}
	if file != nil {
		parts = append(parts, llm.Part{Blob: BlobFrom(file)})
	}
	return parts
}

// BlobFrom converts an attachment to an inline blob.
func BlobFrom(a *conversation.Attachment) *llm.Blob {
	if a == nil {
		return nil
	}
	return &llm.Blob{Data: a.Data, MIMEType: a.MIMEType, Name: a.Name}
}
