package prompts

import (
	"fmt"
	"strings"
)

// describeCodeTemplate asks for a one-sentence description of a saved
// snippet. The format verbs are the recent transcript, the language, and
// the code itself.
const describeCodeTemplate = `Describe what this code does in exactly one sentence, so it can be
found again later by someone asking about it. Return only the sentence.

Conversation context:
%s

Language: %s

Code:
%s

Description:`

// relevanceTemplate asks which saved snippets matter to a request. The
// format verbs are the snippet list and the request.
const relevanceTemplate = `Here are saved code snippets, one per line as "id: description".

%s

Which snippets are relevant to the request below? Return a JSON array of
ids, for example ["id1", "id2"]. Return [] if none are relevant.

Request:
%s

JSON:`

// DescribeCodePrompt returns the prompt for a snippet description.
func DescribeCodePrompt(code, language, transcript string) string {
	if transcript == "" {
		transcript = "(none)"
	}
	return fmt.Sprintf(describeCodeTemplate, transcript, language, code)
}

// RelevancePrompt returns the prompt for snippet retrieval. Each entry
// of refs is an id/description pair.
func RelevancePrompt(prompt string, refs [][2]string) string {
	var sb strings.Builder
	for _, r := range refs {
		sb.WriteString(r[0])
		sb.WriteString(": ")
		sb.WriteString(r[1])
		sb.WriteString("\n")
	}
	return fmt.Sprintf(relevanceTemplate, strings.TrimRight(sb.String(), "\n"), prompt)
}
