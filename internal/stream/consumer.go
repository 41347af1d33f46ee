// Package stream turns a model's chunk stream into display state for
// the in-flight assistant message.
package stream

import (
	"strings"

	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/markup"
)

// DefaultTitleThreshold is how many characters may arrive on a first
// turn before a missing title directive is given up on.
const DefaultTitleThreshold = 150

// Consumer accumulates one response. It is not safe for concurrent use;
// a turn drives it from a single goroutine.
type Consumer struct {
	firstTurn bool
	threshold int

	buf       strings.Builder
	seenText  bool
	titleDone bool
	title     string
	bodyStart int
	usage     *llm.Usage
}

// Update describes what changed after one chunk.
type Update struct {
	// Display is the full content to show so far.
	Display string
	// Title is set, and TitleExtracted true, only on the chunk that
	// completed a title directive.
	Title          string
	TitleExtracted bool
	// TitleDone reports that title extraction will not be attempted again.
	TitleDone bool
	Citations []llm.Citation
	Usage     *llm.Usage
	// First is true for the first chunk carrying text.
	First bool
}

// NewConsumer returns a consumer. Title extraction only runs when
// firstTurn is set. threshold <= 0 uses DefaultTitleThreshold.
func NewConsumer(firstTurn bool, threshold int) *Consumer {
	if threshold <= 0 {
		threshold = DefaultTitleThreshold
	}
	return &Consumer{
		firstTurn: firstTurn,
		threshold: threshold,
		titleDone: !firstTurn,
	}
}

// Consume folds one chunk into the response.
func (c *Consumer) Consume(ch llm.Chunk) Update {
	u := Update{Citations: ch.Citations}

	if ch.Text != "" {
		u.First = !c.seenText
		c.seenText = true
		c.buf.WriteString(ch.Text)
	}
	if ch.Usage != nil {
		usage := *ch.Usage
		c.usage = &usage
		u.Usage = &usage
	}

	if !c.titleDone {
		text := c.buf.String()
		if title, rest, ok := markup.ExtractTitle(text); ok {
			c.title = title
			c.titleDone = true
			c.bodyStart = len(text) - len(rest)
			u.Title = title
			u.TitleExtracted = true
		} else if len(text) > c.threshold {
			c.titleDone = true
		}
	}

	u.TitleDone = c.titleDone
	u.Display = c.Display()
	return u
}

// Text returns everything received, title directive included.
func (c *Consumer) Text() string {
	return c.buf.String()
}

// Display returns the content to show: the text after an extracted
// title, nothing while a directive may still be arriving, otherwise
// the raw text.
func (c *Consumer) Display() string {
	text := c.buf.String()
	switch {
	case c.title != "":
		return strings.TrimLeft(text[c.bodyStart:], "\r\n")
	case !c.titleDone && markup.HasTitlePrefix(text):
		return ""
	default:
		return text
	}
}

// Title returns the extracted title, or "".
func (c *Consumer) Title() string {
	return c.title
}

// TitleDone reports whether title extraction has finished.
func (c *Consumer) TitleDone() bool {
	return c.titleDone
}

// Usage returns the most recent usage counters seen, or nil.
func (c *Consumer) Usage() *llm.Usage {
	return c.usage
}

// Started reports whether any text has arrived.
func (c *Consumer) Started() bool {
	return c.seenText
}
