package mqtt

import (
	"maps"
	"sync"
	"time"
)

// dateLayout keys the ledger by calendar day.
const dateLayout = "2006-01-02"

// DailyUsage totals model usage for the current local day and starts
// over when the date changes. It is safe for concurrent use.
type DailyUsage struct {
	mu    sync.Mutex
	now   func() time.Time
	loc   *time.Location
	today UsageSnapshot
}

// UsageSnapshot is the retained tokens_today payload.
type UsageSnapshot struct {
	Date     string           `json:"date"`
	Input    int64            `json:"input"`
	Output   int64            `json:"output"`
	Total    int64            `json:"total"`
	Images   int64            `json:"images"`
	Requests int64            `json:"requests"`
	CostUSD  float64          `json:"cost_usd"`
	Models   map[string]int64 `json:"models,omitempty"`
}

// UsageCall is one model call as reported by a usage event.
type UsageCall struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Images       int
	CostUSD      float64
}

// NewDailyUsage creates a ledger that rolls over at midnight in loc,
// or [time.Local] when loc is nil.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{now: time.Now, loc: loc}
	d.today.Date = d.date()
	return d
}

func (d *DailyUsage) date() string {
	return d.now().In(d.loc).Format(dateLayout)
}

// rollover starts a fresh day when the date has changed. d.mu must be held.
func (d *DailyUsage) rollover() {
	if date := d.date(); date != d.today.Date {
		d.today = UsageSnapshot{Date: date}
	}
}

// Observe adds one call to today's totals.
func (d *DailyUsage) Observe(c UsageCall) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	t := &d.today
	t.Input += int64(c.InputTokens)
	t.Output += int64(c.OutputTokens)
	t.Total = t.Input + t.Output
	t.Images += int64(c.Images)
	t.Requests++
	t.CostUSD += c.CostUSD
	if c.Model != "" {
		if t.Models == nil {
			t.Models = make(map[string]int64)
		}
		t.Models[c.Model]++
	}
}

// Snapshot returns a copy of today's totals.
func (d *DailyUsage) Snapshot() UsageSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	out := d.today
	out.Models = maps.Clone(d.today.Models)
	return out
}
