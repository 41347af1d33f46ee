package planner

import (
	"strings"

	"github.com/nugget/aria/internal/llm"
)

// Turn paths, in the order the orchestrator checks them.
const (
	PathImageEdit       = "image_edit"
	PathImageGeneration = "image_generation"
	PathRespond         = "respond"
)

var generationKeywords = []string{
	"draw", "paint", "sketch", "illustrate", "illustration",
	"generate an image", "generate a picture", "generate an illustration",
	"create an image", "create a picture", "make an image", "make a picture",
	"image of", "picture of", "photo of", "render a", "render an",
}

var editKeywords = []string{
	"edit", "change", "modify", "make it", "make the", "turn it", "turn the",
	"remove", "add a", "add an", "add some", "replace", "recolor", "colorize",
	"background", "crop", "blur", "brighten", "darken", "convert",
}

// Fallback is the plan used when the planner cannot answer: search the
// web, skip the reasoning narrative, include code context, and infer the
// image path from keywords and whether an image is attached.
func Fallback(req Request) llm.Plan {
	p := llm.Plan{
		NeedsWebSearch:   true,
		NeedsThinking:    false,
		NeedsCodeContext: true,
		Thoughts:         []llm.ReasoningStep{},
	}
	prompt := strings.ToLower(req.Prompt)
	if req.Image != nil {
		p.IsImageEdit = containsAny(prompt, editKeywords)
	} else {
		p.IsImageGeneration = containsAny(prompt, generationKeywords)
	}
	return p
}

// Normalize enforces the plan invariants: web search suppresses the
// reasoning narrative, and at most one image path is selected.
func Normalize(p llm.Plan) llm.Plan {
	if p.NeedsWebSearch {
		p.NeedsThinking = false
		p.Thoughts = []llm.ReasoningStep{}
	}
	if p.IsImageEdit && p.IsImageGeneration {
		p.IsImageGeneration = false
	}
	return p
}

// defaultThoughts narrate a forced thinking turn when the planner
// offered no steps of its own.
var defaultThoughts = []llm.ReasoningStep{
	{Phase: "Understanding", Text: "Reading the request closely"},
	{Phase: "Reasoning", Text: "Working through the problem step by step"},
	{Phase: "Answering", Text: "Drafting a clear response"},
}

// Resolve applies a pinned override. An override replaces the web
// search, thinking, and image choices outright; the code-context need
// is kept. With no override, image flags are reconciled with whether an
// image is attached to this turn: editing needs one, generating does not.
func Resolve(p llm.Plan, o Override, hasImage bool) llm.Plan {
	switch o {
	case OverrideWebSearch:
		p.NeedsWebSearch = true
		p.NeedsThinking = false
		p.IsImageGeneration = false
		p.IsImageEdit = false
	case OverrideThinking:
		p.NeedsWebSearch = false
		p.NeedsThinking = true
		p.IsImageGeneration = false
		p.IsImageEdit = false
		if len(p.Thoughts) == 0 {
			p.Thoughts = append([]llm.ReasoningStep(nil), defaultThoughts...)
		}
	case OverrideImage:
		p.NeedsWebSearch = false
		p.NeedsThinking = false
		p.Thoughts = []llm.ReasoningStep{}
		p.IsImageEdit = hasImage
		p.IsImageGeneration = !hasImage
	default:
		if !hasImage {
			p.IsImageEdit = false
		} else if p.IsImageEdit {
			p.IsImageGeneration = false
		}
	}
	return Normalize(p)
}

// Path names the branch a resolved plan takes.
func Path(p llm.Plan) string {
	switch {
	case p.IsImageEdit:
		return PathImageEdit
	case p.IsImageGeneration:
		return PathImageGeneration
	default:
		return PathRespond
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
