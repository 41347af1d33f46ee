package prompts

import (
	"fmt"
	"strings"
)

// factExtractionTemplate is the prompt sent to the background model to
// extract durable facts about the user from a single exchange. The
// format verbs are the known facts and the exchange transcript.
const factExtractionTemplate = `Extract durable facts about the user from this exchange that would be
useful to remember in future conversations. Focus on:
- Personal information the user shared (name, location, work, family)
- Stated preferences and dislikes
- Ongoing projects and goals
- Tools, languages, and systems the user works with

Write each fact as a short third-person sentence, for example
"User's name is Alex" or "User prefers tea over coffee".
Do not repeat facts already known. Do not record facts about the assistant.

Return a JSON array of strings only. Return [] if nothing is worth keeping.

Already known:
%s

Exchange:
%s

JSON:`

// FactExtractionPrompt returns the fully interpolated prompt for fact
// extraction. known is the current long-term memory.
func FactExtractionPrompt(transcript string, known []string) string {
	knownText := "(nothing yet)"
	if len(known) > 0 {
		knownText = "- " + strings.Join(known, "\n- ")
	}
	return fmt.Sprintf(factExtractionTemplate, knownText, transcript)
}
