// Package enrich runs post-turn background work: rolling conversation
// summaries, code snippet extraction, and long-term memory extraction.
// Jobs are derived from a snapshot of the conversation taken when the
// turn settles and always target the ids captured in that snapshot,
// never whichever conversation happens to be active when they run.
package enrich

import (
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/markup"
)

// Kind names a background job type.
type Kind string

// Job kinds.
const (
	KindSummary Kind = "summary"
	KindCode    Kind = "code"
	KindMemory  Kind = "memory"
)

// Job is one unit of background work. Which fields are set depends on
// Kind.
type Job struct {
	Kind           Kind
	ConversationID string
	// MessageID is the assistant message the job was derived from.
	MessageID string

	// Turns is the transcript the job sends to the model: the summary
	// window, the code context, or the user/assistant pair.
	Turns []llm.Content

	// PreviousSummary is rolled forward by summary jobs.
	PreviousSummary string

	// Block is the code block a code job describes.
	Block markup.CodeBlock
}

// Snapshot is the settled state of a conversation after a turn.
type Snapshot struct {
	ConversationID string
	Messages       []conversation.Message
	Summary        string
}

// Rules controls which jobs a snapshot produces.
type Rules struct {
	// SummaryEvery triggers a summary when the message count is a
	// multiple of it.
	SummaryEvery int
	// SummaryWindow is how many trailing messages a summary covers.
	SummaryWindow int
	// CodeContextMessages is how many trailing messages accompany a
	// code block when asking for its description.
	CodeContextMessages int
}

// DefaultRules returns the standard cadence: summarize every 6
// messages over the last 6, describe code with the last 2 as context.
func DefaultRules() Rules {
	return Rules{SummaryEvery: 6, SummaryWindow: 6, CodeContextMessages: 2}
}

func (r *Rules) applyDefaults() {
	d := DefaultRules()
	if r.SummaryEvery <= 0 {
		r.SummaryEvery = d.SummaryEvery
	}
	if r.SummaryWindow <= 0 {
		r.SummaryWindow = d.SummaryWindow
	}
	if r.CodeContextMessages <= 0 {
		r.CodeContextMessages = d.CodeContextMessages
	}
}

// JobsFor derives the jobs for a settled turn. The last message must be
// the assistant reply; otherwise only the summary job can apply.
func JobsFor(snap Snapshot, rules Rules) []Job {
	rules.applyDefaults()

	msgs := snap.Messages
	n := len(msgs)
	var jobs []Job

	var last *conversation.Message
	if n > 0 && msgs[n-1].Role == conversation.RoleModel {
		last = &msgs[n-1]
	}
	lastID := ""
	if last != nil {
		lastID = last.ID
	}

	if n > 1 && n%rules.SummaryEvery == 0 {
		jobs = append(jobs, Job{
			Kind:            KindSummary,
			ConversationID:  snap.ConversationID,
			MessageID:       lastID,
			Turns:           transcript(tail(msgs, rules.SummaryWindow)),
			PreviousSummary: snap.Summary,
		})
	}

	if last == nil {
		return jobs
	}

	cleaned := markup.StripTitle(last.Content)

	recent := transcript(tail(msgs, rules.CodeContextMessages))
	for _, block := range markup.CodeBlocks(cleaned) {
		jobs = append(jobs, Job{
			Kind:           KindCode,
			ConversationID: snap.ConversationID,
			MessageID:      lastID,
			Turns:          recent,
			Block:          block,
		})
	}

	if cleaned != "" {
		var turns []llm.Content
		if n > 1 && msgs[n-2].Role == conversation.RoleUser {
			turns = append(turns, llm.TextContent(llm.RoleUser, msgs[n-2].Content))
		}
		turns = append(turns, llm.TextContent(llm.RoleModel, cleaned))
		jobs = append(jobs, Job{
			Kind:           KindMemory,
			ConversationID: snap.ConversationID,
			MessageID:      lastID,
			Turns:          turns,
		})
	}
	return jobs
}

func tail(msgs []conversation.Message, n int) []conversation.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// transcript converts messages to text-only contents. Attachments are
// not resent to background models.
func transcript(msgs []conversation.Message) []llm.Content {
	out := make([]llm.Content, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content
		role := llm.RoleUser
		if m.Role == conversation.RoleModel {
			role = llm.RoleModel
			text = markup.StripTitle(text)
		}
		if text == "" {
			continue
		}
		out = append(out, llm.TextContent(role, text))
	}
	return out
}
