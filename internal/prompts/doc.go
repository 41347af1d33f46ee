// Package prompts contains all model prompt templates used internally by Aria.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the instructions we send to models for internal operations
// (turn planning, summaries, code descriptions, fact extraction, etc.).
//
// Convention: each prompt category gets its own file (planner.go,
// summary.go, code.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
