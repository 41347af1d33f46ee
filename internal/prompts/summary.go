package prompts

import (
	"fmt"
	"strings"
)

// summaryTemplate is the prompt sent to the background model to roll the
// conversation summary forward. The single format verb is the recent
// transcript.
const summaryTemplate = `Update the running summary of this conversation. Focus on:
1. Topics discussed and questions answered
2. Decisions made or preferences expressed
3. Code, files, or images the user is working with
4. Open items the assistant should remember

Keep the summary under 250 words. Return only the summary text.

Recent messages:
%s

Summary:`

// previousSummarySection is appended when an earlier summary exists so
// the model extends it instead of starting over.
const previousSummarySection = `

Previous summary (extend and correct it, do not discard it):
%s`

// SummaryPrompt returns the prompt for a rolling summary update.
func SummaryPrompt(transcript, previous string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(summaryTemplate, transcript))
	if previous != "" {
		sb.WriteString(fmt.Sprintf(previousSummarySection, previous))
	}
	return sb.String()
}
