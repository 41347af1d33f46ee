package prompts

import (
	"fmt"
	"strings"
)

// baseSystemTemplate is the default persona used when no persona file is
// configured.
const baseSystemTemplate = `You are Aria, a helpful, knowledgeable assistant.

## Style
- Answer directly, then add detail only where it helps.
- Use Markdown. Put code in fenced blocks with a language tag.
- When you used web results, say so plainly; do not invent sources.
- If you are unsure, say what you would need to know.`

// titleDirective asks the model to open its first answer with a title
// line the stream consumer strips before display.
const titleDirective = `

## Conversation Title
This is the first message of a new conversation. Begin your reply with a
single line of the form:
TITLE: <a short title of at most six words>
followed by a newline and then your answer. Never mention the title.`

// factsSection carries long-term memory into the system instruction. The
// single format verb is a bulleted fact list.
const factsSection = `

## What You Know About the User
%s

Use these facts when relevant. Do not recite them unprompted.`

// BaseSystemPrompt returns the default persona text.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// SystemInstruction assembles the per-turn system instruction: persona
// (default when empty), the title directive on a conversation's first
// turn, and the long-term memory block when non-empty.
func SystemInstruction(persona, facts string, firstTurn bool) string {
	var sb strings.Builder
	if strings.TrimSpace(persona) == "" {
		persona = baseSystemTemplate
	}
	sb.WriteString(persona)
	if firstTurn {
		sb.WriteString(titleDirective)
	}
	if facts != "" {
		sb.WriteString(fmt.Sprintf(factsSection, facts))
	}
	return sb.String()
}
