package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/kvstore"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	kv, err := kvstore.Open("sqlite3", dbPath, nil)
	if err != nil {
		t.Fatalf("kvstore.Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { kv.Close() })

	s, err := NewStore(kv.DB())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
		"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:      now,
			TurnID:         "t_001",
			ConversationID: "conv-1",
			MessageID:      "m-2",
			Model:          "gemini-2.5-flash",
			Kind:           KindStream,
			InputTokens:    1000,
			OutputTokens:   500,
			TotalTokens:    1500,
			CostUSD:        0.00155, // 1000/1M*0.30 + 500/1M*2.50
		},
		{
			Timestamp:      now,
			TurnID:         "t_002",
			ConversationID: "conv-2",
			Model:          "imagen-4.0-generate-001",
			Kind:           KindImageGeneration,
			Images:         4,
		},
	}

	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 1000 {
		t.Errorf("TotalInputTokens = %d, want 1000", sum.TotalInputTokens)
	}
	if sum.TotalImages != 4 {
		t.Errorf("TotalImages = %d, want 4", sum.TotalImages)
	}
	if math.Abs(sum.TotalCostUSD-0.00155) > 1e-9 {
		t.Errorf("TotalCostUSD = %f, want 0.00155", sum.TotalCostUSD)
	}

	byKind, err := s.SummaryByKind(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByKind: %v", err)
	}
	if byKind[KindStream] == nil || byKind[KindStream].TotalOutputTokens != 500 {
		t.Errorf("SummaryByKind[stream] = %+v", byKind[KindStream])
	}

	byConv, err := s.SummaryByConversation(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByConversation: %v", err)
	}
	if len(byConv) != 2 {
		t.Errorf("SummaryByConversation len = %d, want 2", len(byConv))
	}

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel["gemini-2.5-flash"].TotalRecords != 1 {
		t.Errorf("SummaryByModel[flash] = %+v", byModel["gemini-2.5-flash"])
	}
}

func TestSummary_EmptyRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{Timestamp: time.Now().Add(-48 * time.Hour), Model: "m", Kind: KindStream})

	sum, err := s.Summary(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want empty", sum)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{name: "flash", model: "gemini-2.5-flash", input: 1_000_000, output: 1_000_000, want: 2.80},
		{name: "lite", model: "gemini-2.5-flash-lite", input: 500_000, output: 0, want: 0.05},
		{name: "unknown model is free", model: "local-model", input: 1000, output: 1000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ComputeCost() = %f, want %f", got, tt.want)
			}
		})
	}
}
