package prompts

import "fmt"

// plannerTemplate is the prompt sent to the planner model to classify a
// turn. The three format verbs are the attachment description, the user
// prompt, and whether an image is attached.
const plannerTemplate = `You route requests for a chat assistant. Decide which capabilities
the next reply needs and return JSON only, matching this shape:

{"needsWebSearch": false, "needsThinking": false, "needsCodeContext": false,
 "isImageGenerationRequest": false, "isImageEditRequest": false,
 "thoughts": [{"phase": "Understanding", "text": "..."}]}

Rules:
- needsWebSearch: the answer depends on current events, prices, schedules,
  or facts likely to have changed recently.
- needsThinking: the request needs multi-step reasoning, planning, math, or
  careful comparison. When true, add 2 to 4 short "thoughts" describing the
  approach, each with a one-word phase.
- needsCodeContext: the user refers to code discussed earlier or asks for
  changes to existing code.
- isImageGenerationRequest: the user asks to create, draw, or render a new
  picture and no image is attached.
- isImageEditRequest: an image is attached and the user asks to change it.
- Never set both image flags.

Attachment: %s

Request:
%s

Attached image present: %s

JSON:`

// PlannerPrompt returns the fully interpolated planner prompt. fileName
// is the name of an attached file, if any.
func PlannerPrompt(prompt string, hasImage bool, fileName string) string {
	attachment := "none"
	switch {
	case hasImage && fileName != "":
		attachment = "an image and the file " + fileName
	case hasImage:
		attachment = "an image"
	case fileName != "":
		attachment = "the file " + fileName
	}
	present := "no"
	if hasImage {
		present = "yes"
	}
	return fmt.Sprintf(plannerTemplate, attachment, prompt, present)
}
