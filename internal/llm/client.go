// Package llm provides the model capabilities a turn consumes and their
// Gemini implementation.
package llm

import "context"

// Client is the full capability surface of a model provider. Consumers
// declare the narrower subset they need; GeminiClient satisfies all of
// them.
type Client interface {
	// Plan classifies a turn. Callers must tolerate errors and fall back.
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)

	// StreamRespond opens a session and streams the reply to fn, one
	// call per chunk, until the stream ends or ctx is cancelled.
	StreamRespond(ctx context.Context, cfg SessionConfig, history []Content, parts []Part, fn StreamCallback) error

	GenerateImages(ctx context.Context, req ImageRequest) (*ImageResult, error)
	EditImage(ctx context.Context, prompt string, image Blob) (*EditResult, error)

	ExtractRelevantSnippets(ctx context.Context, prompt string, refs []SnippetRef) ([]string, error)
	DescribeCode(ctx context.Context, code, language string, recent []Content) (string, error)
	Summarize(ctx context.Context, turns []Content, previous string) (string, error)
	ExtractFacts(ctx context.Context, turns []Content, known []string) ([]string, error)
}
