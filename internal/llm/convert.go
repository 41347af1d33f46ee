package llm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// toGenaiContents converts history to the SDK form, decoding base64
// blobs. Parts that are entirely empty are dropped.
func toGenaiContents(contents []Content) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch {
			case p.Blob != nil:
				data, err := base64.StdEncoding.DecodeString(p.Blob.Data)
				if err != nil {
					return nil, fmt.Errorf("decode %s attachment: %w", p.Blob.MIMEType, err)
				}
				parts = append(parts, genai.NewPartFromBytes(data, p.Blob.MIMEType))
			case p.Text != "":
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := genai.RoleUser
		if c.Role == RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return out, nil
}

// ChunkFromResponse extracts the text delta, web citations, and usage
// counters from one stream element.
func ChunkFromResponse(resp *genai.GenerateContentResponse) Chunk {
	if resp == nil {
		return Chunk{}
	}
	ch := Chunk{
		Text:  responseText(resp),
		Usage: usageFrom(resp.UsageMetadata),
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		if gm := resp.Candidates[0].GroundingMetadata; gm != nil {
			for _, gc := range gm.GroundingChunks {
				if gc == nil || gc.Web == nil || gc.Web.URI == "" {
					continue
				}
				ch.Citations = append(ch.Citations, Citation{URI: gc.Web.URI, Title: gc.Web.Title})
			}
		}
	}
	return ch
}

// responseText concatenates the non-thought text parts of the first
// candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func usageFrom(um *genai.GenerateContentResponseUsageMetadata) *Usage {
	if um == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(um.PromptTokenCount),
		CandidatesTokens: int(um.CandidatesTokenCount),
		TotalTokens:      int(um.TotalTokenCount),
	}
}

func mimeOrDefault(m string) string {
	if m == "" {
		return "image/png"
	}
	return m
}

// stripFences removes a surrounding Markdown code fence, which models
// sometimes add around JSON even when asked not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParsePlan decodes a planner reply. It tolerates code fences and prose
// around the JSON object; anything else is an error the caller answers
// with a fallback plan.
func ParsePlan(text string) (*Plan, error) {
	s := stripFences(text)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("plan: no JSON object in %q", truncate(text, 80))
	}

	var p Plan
	if err := json.Unmarshal([]byte(s[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return &p, nil
}

// ParseStringList decodes a JSON array of strings, tolerating fences
// and surrounding prose. Blank entries are dropped.
func ParseStringList(text string) ([]string, error) {
	s := stripFences(text)
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in %q", truncate(text, 80))
	}

	var raw []string
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	out := raw[:0]
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
