package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/aria/internal/prompts"
)

// GeminiConfig configures a GeminiClient. Model names select the model
// for each background capability; streamed responses name their model
// per session.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds each non-streaming call. Zero means no limit.
	Timeout time.Duration

	PlannerModel    string
	BackgroundModel string
	ImageModel      string
	ImageEditModel  string
}

// GeminiClient implements every model capability on the Gemini API.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Plan classifies a turn with a JSON response schema.
func (c *GeminiClient) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.PlannerModel
	}

	parts := []Part{{Text: prompts.PlannerPrompt(req.Prompt, req.Image != nil, req.FileName)}}
	if req.Image != nil {
		parts = append(parts, Part{Blob: req.Image})
	}

	text, _, err := c.generate(ctx, model, []Content{{Role: RoleUser, Parts: parts}}, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return ParsePlan(text)
}

// StreamRespond streams a response for the session. Each response
// element from the API becomes one Chunk.
func (c *GeminiClient) StreamRespond(ctx context.Context, cfg SessionConfig, history []Content, parts []Part, fn StreamCallback) error {
	all := make([]Content, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, Content{Role: RoleUser, Parts: parts})

	contents, err := toGenaiContents(all)
	if err != nil {
		return err
	}

	budget := int32(0)
	if cfg.Thinking {
		budget = int32(cfg.ThinkingBudget)
	}
	gc := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)},
	}
	if cfg.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.WebSearch {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	c.logger.Log(ctx, LevelTrace, "stream request",
		"model", cfg.Model,
		"contents", len(contents),
		"thinking_budget", budget,
		"web_search", cfg.WebSearch,
	)

	start := time.Now()
	chunks := 0
	for resp, err := range c.client.Models.GenerateContentStream(ctx, cfg.Model, contents, gc) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("stream %s: %w", cfg.Model, err)
		}
		chunks++
		fn(ChunkFromResponse(resp))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.Debug("stream complete",
		"model", cfg.Model,
		"chunks", chunks,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// GenerateImages renders req.Count images with the image model.
func (c *GeminiClient) GenerateImages(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	count := req.Count
	if count <= 0 {
		count = 1
	}

	resp, err := c.client.Models.GenerateImages(ctx, c.cfg.ImageModel, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: int32(count),
		AspectRatio:    req.AspectRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("generate images: %w", err)
	}

	out := &ImageResult{Model: c.cfg.ImageModel}
	var filtered string
	for _, gi := range resp.GeneratedImages {
		if gi == nil {
			continue
		}
		if gi.Image == nil || len(gi.Image.ImageBytes) == 0 {
			if gi.RAIFilteredReason != "" {
				filtered = gi.RAIFilteredReason
			}
			continue
		}
		out.Images = append(out.Images, Image{
			Data:     base64.StdEncoding.EncodeToString(gi.Image.ImageBytes),
			MIMEType: mimeOrDefault(gi.Image.MIMEType),
		})
	}
	if len(out.Images) == 0 {
		if filtered != "" {
			return nil, fmt.Errorf("generate images: all images filtered: %s", filtered)
		}
		return nil, errors.New("generate images: no images returned")
	}
	return out, nil
}

// EditImage sends image plus prompt to the image-edit model and returns
// whatever text and image it produces.
func (c *GeminiClient) EditImage(ctx context.Context, prompt string, image Blob) (*EditResult, error) {
	contents, err := toGenaiContents([]Content{{
		Role:  RoleUser,
		Parts: []Part{{Blob: &image}, {Text: prompt}},
	}})
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.ImageEditModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("edit image: %w", err)
	}

	out := &EditResult{
		Model: c.cfg.ImageEditModel,
		Text:  strings.TrimSpace(responseText(resp)),
		Usage: usageFrom(resp.UsageMetadata),
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out.Image = &Image{
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: mimeOrDefault(p.InlineData.MIMEType),
			}
			break
		}
	}
	if out.Text == "" && out.Image == nil {
		return nil, errors.New("edit image: empty response")
	}
	return out, nil
}

// ExtractRelevantSnippets returns the ids of refs relevant to prompt.
func (c *GeminiClient) ExtractRelevantSnippets(ctx context.Context, prompt string, refs []SnippetRef) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	pairs := make([][2]string, len(refs))
	for i, r := range refs {
		pairs[i] = [2]string{r.ID, r.Description}
	}

	text, _, err := c.generate(ctx, c.cfg.BackgroundModel,
		[]Content{TextContent(RoleUser, prompts.RelevancePrompt(prompt, pairs))},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   stringListSchema,
		})
	if err != nil {
		return nil, fmt.Errorf("relevance: %w", err)
	}
	return ParseStringList(text)
}

// DescribeCode returns a one-sentence description of code.
func (c *GeminiClient) DescribeCode(ctx context.Context, code, language string, recent []Content) (string, error) {
	text, _, err := c.generate(ctx, c.cfg.BackgroundModel,
		[]Content{TextContent(RoleUser, prompts.DescribeCodePrompt(code, language, Transcript(recent)))}, nil)
	if err != nil {
		return "", fmt.Errorf("describe code: %w", err)
	}
	desc := strings.TrimSpace(text)
	if desc == "" {
		return "", errors.New("describe code: empty description")
	}
	return desc, nil
}

// Summarize rolls previous forward over turns.
func (c *GeminiClient) Summarize(ctx context.Context, turns []Content, previous string) (string, error) {
	text, _, err := c.generate(ctx, c.cfg.BackgroundModel,
		[]Content{TextContent(RoleUser, prompts.SummaryPrompt(Transcript(turns), previous))}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		return "", errors.New("summarize: empty summary")
	}
	return summary, nil
}

// ExtractFacts returns facts about the user found in turns. Filtering
// against known is left to the caller.
func (c *GeminiClient) ExtractFacts(ctx context.Context, turns []Content, known []string) ([]string, error) {
	text, _, err := c.generate(ctx, c.cfg.BackgroundModel,
		[]Content{TextContent(RoleUser, prompts.FactExtractionPrompt(Transcript(turns), known))},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   stringListSchema,
		})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return ParseStringList(text)
}

// generate runs a single non-streaming call and returns its text.
func (c *GeminiClient) generate(ctx context.Context, model string, contents []Content, gc *genai.GenerateContentConfig) (string, *Usage, error) {
	gcontents, err := toGenaiContents(contents)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.logger.Log(ctx, LevelTrace, "generate request", "model", model, "contents", len(gcontents))

	resp, err := c.client.Models.GenerateContent(ctx, model, gcontents, gc)
	if err != nil {
		return "", nil, err
	}

	text := responseText(resp)
	c.logger.Log(ctx, LevelTrace, "generate response", "model", model, "text", text)
	return text, usageFrom(resp.UsageMetadata), nil
}

func (c *GeminiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

var planSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"needsWebSearch":           {Type: genai.TypeBoolean},
		"needsThinking":            {Type: genai.TypeBoolean},
		"needsCodeContext":         {Type: genai.TypeBoolean},
		"isImageGenerationRequest": {Type: genai.TypeBoolean},
		"isImageEditRequest":       {Type: genai.TypeBoolean},
		"thoughts": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"phase": {Type: genai.TypeString},
					"text":  {Type: genai.TypeString},
				},
				Required: []string{"phase", "text"},
			},
		},
	},
	Required: []string{"needsWebSearch", "needsThinking", "needsCodeContext",
		"isImageGenerationRequest", "isImageEditRequest"},
}

var stringListSchema = &genai.Schema{
	Type:  genai.TypeArray,
	Items: &genai.Schema{Type: genai.TypeString},
}
