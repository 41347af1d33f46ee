package prompts

import (
	"fmt"
	"strings"
)

// summaryContextTemplate frames the rolling summary as a user message the
// model then acknowledges, so it reads as shared context rather than a
// request.
const summaryContextTemplate = `Here is a summary of our conversation so far, for context:

%s`

// SummaryAck is the synthetic model reply to SummaryContext.
const SummaryAck = "Understood. I have the context of our earlier conversation."

// codeContextTemplate frames retrieved snippets the same way.
const codeContextTemplate = `For reference, here is code from earlier that may be relevant:

%s`

// CodeAck is the synthetic model reply to CodeContext.
const CodeAck = "Got it. I'll use that code as reference."

// SummaryContext returns the synthetic user message carrying the summary.
func SummaryContext(summary string) string {
	return fmt.Sprintf(summaryContextTemplate, summary)
}

// CodeSnippet is the subset of a saved snippet the context block shows.
type CodeSnippet struct {
	Language    string
	Description string
	Code        string
}

// CodeContext returns the synthetic user message carrying snippets, each
// as its description followed by a fenced block.
func CodeContext(snippets []CodeSnippet) string {
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s (%s):\n```%s\n%s\n```", s.Description, s.Language, s.Language, s.Code)
	}
	return fmt.Sprintf(codeContextTemplate, sb.String())
}
