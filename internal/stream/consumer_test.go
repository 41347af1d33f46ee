package stream

import (
	"strings"
	"testing"

	"github.com/nugget/aria/internal/llm"
)

func feed(c *Consumer, texts ...string) []Update {
	var out []Update
	for _, s := range texts {
		out = append(out, c.Consume(llm.Chunk{Text: s}))
	}
	return out
}

func TestConsume_Accumulates(t *testing.T) {
	c := NewConsumer(false, 0)

	ups := feed(c, "Hel", "lo wor")
	last := c.Consume(llm.Chunk{Text: "ld", Usage: &llm.Usage{PromptTokens: 4, CandidatesTokens: 2, TotalTokens: 6}})

	if last.Display != "Hello world" || c.Text() != "Hello world" {
		t.Errorf("Display = %q, want %q", last.Display, "Hello world")
	}
	if !ups[0].First || ups[1].First || last.First {
		t.Error("only the first text chunk should be marked First")
	}
	if u := c.Usage(); u == nil || *u != (llm.Usage{PromptTokens: 4, CandidatesTokens: 2, TotalTokens: 6}) {
		t.Errorf("Usage() = %+v", u)
	}
	if !last.TitleDone {
		t.Error("title extraction is never attempted on later turns")
	}
}

func TestConsume_UsageLastWriteWins(t *testing.T) {
	c := NewConsumer(false, 0)
	c.Consume(llm.Chunk{Text: "a", Usage: &llm.Usage{TotalTokens: 100}})
	c.Consume(llm.Chunk{Text: "b"})
	c.Consume(llm.Chunk{Usage: &llm.Usage{PromptTokens: 1, TotalTokens: 3}})

	if u := c.Usage(); u.TotalTokens != 3 || u.PromptTokens != 1 {
		t.Errorf("Usage() = %+v, want last chunk's counters exactly", u)
	}
}

func TestConsume_FirstIgnoresEmptyChunks(t *testing.T) {
	c := NewConsumer(false, 0)
	u := c.Consume(llm.Chunk{Citations: []llm.Citation{{URI: "https://a"}}})
	if u.First || c.Started() {
		t.Error("a chunk without text is not the first token")
	}
	if len(u.Citations) != 1 {
		t.Errorf("Citations = %+v", u.Citations)
	}
	if !c.Consume(llm.Chunk{Text: "x"}).First {
		t.Error("first text chunk should be marked First")
	}
}

func TestConsume_TitleExtraction(t *testing.T) {
	c := NewConsumer(true, 150)

	ups := feed(c, "TITLE: Trip", " Planning\n", "Here is your itinerary...")

	if ups[0].Display != "" {
		t.Errorf("partial directive should be hidden, got %q", ups[0].Display)
	}
	if !ups[1].TitleExtracted || ups[1].Title != "Trip Planning" {
		t.Errorf("chunk 2 = %+v, want title extracted", ups[1])
	}
	if ups[2].TitleExtracted {
		t.Error("title should be extracted only once")
	}
	if got := c.Display(); got != "Here is your itinerary..." {
		t.Errorf("Display() = %q", got)
	}
	if c.Title() != "Trip Planning" {
		t.Errorf("Title() = %q", c.Title())
	}
}

func TestConsume_TitleSingleChunk(t *testing.T) {
	c := NewConsumer(true, 150)
	u := c.Consume(llm.Chunk{Text: "TITLE: Trip Planning\nHere is your itinerary..."})

	if u.Title != "Trip Planning" || u.Display != "Here is your itinerary..." {
		t.Errorf("update = %+v", u)
	}
}

func TestConsume_NoDirective(t *testing.T) {
	c := NewConsumer(true, 10)

	ups := feed(c, "Sure, ", "here you go with a long answer")

	if ups[0].Display != "Sure, " {
		t.Errorf("text that cannot be a directive should show at once, got %q", ups[0].Display)
	}
	if ups[0].TitleDone {
		t.Error("extraction should stay open until the threshold")
	}
	if !ups[1].TitleDone || c.Title() != "" {
		t.Error("extraction should end once the threshold is passed")
	}
}

func TestConsume_ThresholdAbandonsDirective(t *testing.T) {
	c := NewConsumer(true, 20)

	feed(c, "TITLE: "+strings.Repeat("x", 30))
	if !c.TitleDone() {
		t.Fatal("a directive longer than the threshold should be abandoned")
	}
	u := c.Consume(llm.Chunk{Text: "\nbody"})
	if u.TitleExtracted {
		t.Error("no extraction after being marked done")
	}
	if !strings.HasPrefix(u.Display, "TITLE: ") {
		t.Errorf("abandoned directive shows raw text, got %q", u.Display)
	}
}
