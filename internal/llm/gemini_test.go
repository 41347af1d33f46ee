package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeGemini serves canned Gemini API responses. Stream requests get
// each entry of stream as one SSE data line; unary requests get unary.
func fakeGemini(t *testing.T, stream []string, unary string, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error": {"code": 429, "message": "quota exhausted", "status": "RESOURCE_EXHAUSTED"}}`)
			return
		}
		if strings.Contains(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, s := range stream {
				fmt.Fprintf(w, "data: %s\n\n", s)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, unary)
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func testClient(t *testing.T, baseURL string) *GeminiClient {
	t.Helper()
	c, err := NewGeminiClient(context.Background(), GeminiConfig{
		APIKey:          "test-key",
		BaseURL:         baseURL,
		HTTPClient:      http.DefaultClient,
		PlannerModel:    "planner-model",
		BackgroundModel: "bg-model",
		ImageModel:      "image-model",
		ImageEditModel:  "edit-model",
	}, nil)
	if err != nil {
		t.Fatalf("NewGeminiClient: %v", err)
	}
	return c
}

func textResponse(text string) string {
	return fmt.Sprintf(`{"candidates": [{"content": {"role": "model", "parts": [{"text": %q}]}}]}`, text)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{}, nil); err == nil {
		t.Fatal("NewGeminiClient without a key should error")
	}
}

func TestStreamRespond(t *testing.T) {
	srv, bodies := fakeGemini(t, []string{
		textResponse("Hel"),
		textResponse("lo wor"),
		`{"candidates": [{"content": {"role": "model", "parts": [{"text": "ld"}]}}], "usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}}`,
	}, "", 0)
	c := testClient(t, srv.URL)

	var chunks []Chunk
	err := c.StreamRespond(context.Background(), SessionConfig{
		Model:             "stream-model",
		SystemInstruction: "be brief",
		WebSearch:         true,
	}, []Content{TextContent(RoleModel, "earlier")}, []Part{{Text: "hi"}}, func(ch Chunk) {
		chunks = append(chunks, ch)
	})
	if err != nil {
		t.Fatalf("StreamRespond() error: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	var sb strings.Builder
	for _, ch := range chunks {
		sb.WriteString(ch.Text)
	}
	if sb.String() != "Hello world" {
		t.Errorf("text = %q, want %q", sb.String(), "Hello world")
	}
	last := chunks[2].Usage
	if last == nil || last.PromptTokens != 7 || last.CandidatesTokens != 3 || last.TotalTokens != 10 {
		t.Errorf("final usage = %+v", last)
	}
	if chunks[0].Usage != nil {
		t.Errorf("first chunk usage = %+v, want nil", chunks[0].Usage)
	}

	req := (*bodies)[0]
	if !strings.Contains(req, "googleSearch") {
		t.Error("request should enable the search tool")
	}
	if !strings.Contains(req, "be brief") {
		t.Error("request should carry the system instruction")
	}
}

func TestStreamRespond_APIError(t *testing.T) {
	srv, _ := fakeGemini(t, nil, "", http.StatusTooManyRequests)
	c := testClient(t, srv.URL)

	err := c.StreamRespond(context.Background(), SessionConfig{Model: "m"}, nil, []Part{{Text: "hi"}}, func(Chunk) {})
	if err == nil {
		t.Fatal("StreamRespond() should surface API errors")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestPlan(t *testing.T) {
	srv, bodies := fakeGemini(t, nil,
		textResponse(`{"needsWebSearch": false, "needsThinking": true, "needsCodeContext": false, "isImageGenerationRequest": false, "isImageEditRequest": false, "thoughts": [{"phase": "Compare", "text": "weigh options"}]}`),
		0)
	c := testClient(t, srv.URL)

	plan, err := c.Plan(context.Background(), PlanRequest{Prompt: "compare two laptops"})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if !plan.NeedsThinking || len(plan.Thoughts) != 1 || plan.Thoughts[0].Phase != "Compare" {
		t.Errorf("Plan() = %+v", plan)
	}
	if !strings.Contains((*bodies)[0], "application/json") {
		t.Error("planner request should ask for JSON output")
	}
}

func TestExtractFacts(t *testing.T) {
	srv, _ := fakeGemini(t, nil, textResponse(`["User's name is Alex", "User likes tea"]`), 0)
	c := testClient(t, srv.URL)

	facts, err := c.ExtractFacts(context.Background(), []Content{TextContent(RoleUser, "I'm Alex and I like tea")}, nil)
	if err != nil {
		t.Fatalf("ExtractFacts() error: %v", err)
	}
	if len(facts) != 2 || facts[1] != "User likes tea" {
		t.Errorf("ExtractFacts() = %v", facts)
	}
}

func TestSummarize_EmptyIsError(t *testing.T) {
	srv, _ := fakeGemini(t, nil, textResponse("   "), 0)
	c := testClient(t, srv.URL)

	if _, err := c.Summarize(context.Background(), []Content{TextContent(RoleUser, "hi")}, ""); err == nil {
		t.Fatal("Summarize() should reject an empty summary")
	}
}

func TestEditImage(t *testing.T) {
	srv, _ := fakeGemini(t, nil,
		`{"candidates": [{"content": {"role": "model", "parts": [{"text": "Made it blue."}, {"inlineData": {"mimeType": "image/png", "data": "aGk="}}]}}], "usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2, "totalTokenCount": 7}}`,
		0)
	c := testClient(t, srv.URL)

	res, err := c.EditImage(context.Background(), "make it blue", Blob{Data: "aGk=", MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("EditImage() error: %v", err)
	}
	if res.Text != "Made it blue." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Image == nil || res.Image.Data != "aGk=" || res.Image.MIMEType != "image/png" {
		t.Errorf("Image = %+v", res.Image)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.Model != "edit-model" {
		t.Errorf("Model = %q", res.Model)
	}
}
