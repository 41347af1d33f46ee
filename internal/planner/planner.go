// Package planner decides, per turn, which capabilities a reply needs:
// web search, a reasoning narrative, saved-code context, or one of the
// image paths. It never fails: when the model cannot be reached or
// returns something unusable, a conservative fallback plan is used so
// the turn keeps moving.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aria/internal/llm"
)

// Capability is the model call the adapter wraps.
type Capability interface {
	Plan(ctx context.Context, req llm.PlanRequest) (*llm.Plan, error)
}

// Override is a user-pinned mode that replaces the planner's choice.
type Override string

const (
	OverrideNone      Override = ""
	OverrideWebSearch Override = "web_search"
	OverrideThinking  Override = "thinking"
	OverrideImage     Override = "image"
)

// ParseOverride validates a pinned-tool name. "" and "none" clear it.
func ParseOverride(s string) (Override, error) {
	switch o := Override(strings.ToLower(strings.TrimSpace(s))); o {
	case OverrideNone, "none":
		return OverrideNone, nil
	case OverrideWebSearch, OverrideThinking, OverrideImage:
		return o, nil
	default:
		return OverrideNone, fmt.Errorf("unknown tool %q (valid: web_search, thinking, image, none)", s)
	}
}

// Request contains what the planner sees of a turn.
type Request struct {
	Prompt   string
	Image    *llm.Blob
	FileName string
	FileMIME string
	Model    string
	Override Override
}

// Decision source values.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Decision records how a turn was planned.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input analysis
	PromptLength int      `json:"prompt_length"`
	HasImage     bool     `json:"has_image"`
	HasFile      bool     `json:"has_file"`
	Override     Override `json:"override,omitempty"`

	// Decision process
	Source string    `json:"source"`
	Error  string    `json:"error,omitempty"`
	Raw    *llm.Plan `json:"raw,omitempty"`

	// Outcome
	Plan      llm.Plan `json:"plan"`
	Path      string   `json:"path"`
	LatencyMs int64    `json:"latency_ms"`
}

// Stats tracks planning statistics.
type Stats struct {
	TotalDecisions int64            `json:"total_decisions"`
	Fallbacks      int64            `json:"fallbacks"`
	PathCounts     map[string]int64 `json:"path_counts"`
}

// Config holds adapter configuration.
type Config struct {
	Model       string // planner model, used when a request names none
	MaxAuditLog int    // how many decisions to keep in memory
}

// Adapter turns planner model output into a usable plan.
type Adapter struct {
	capability Capability
	logger     *slog.Logger
	config     Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewAdapter creates an adapter over capability.
func NewAdapter(capability Capability, logger *slog.Logger, config Config) *Adapter {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		capability: capability,
		logger:     logger.With("component", "planner"),
		config:     config,
		auditLog:   make([]Decision, 0, config.MaxAuditLog),
		stats:      Stats{PathCounts: make(map[string]int64)},
	}
}

// Plan classifies a turn and applies the pinned override. It always
// returns a well-formed decision.
func (a *Adapter) Plan(ctx context.Context, req Request) Decision {
	start := time.Now()
	d := Decision{
		RequestID:    generateRequestID(),
		Timestamp:    start,
		PromptLength: len(req.Prompt),
		HasImage:     req.Image != nil,
		HasFile:      req.FileName != "" || req.FileMIME != "",
		Override:     req.Override,
	}

	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	var plan llm.Plan
	raw, err := a.callCapability(ctx, llm.PlanRequest{
		Prompt:   req.Prompt,
		Image:    req.Image,
		FileName: req.FileName,
		FileMIME: req.FileMIME,
		Model:    model,
	})
	if err != nil {
		d.Source = SourceFallback
		d.Error = err.Error()
		plan = Fallback(req)
		a.logger.Warn("planner failed, using fallback plan", "error", err)
	} else {
		d.Source = SourceModel
		d.Raw = raw
		plan = *raw
	}

	d.Plan = Resolve(Normalize(plan), req.Override, req.Image != nil)
	d.Path = Path(d.Plan)
	d.LatencyMs = time.Since(start).Milliseconds()
	a.recordDecision(d)

	a.logger.Info("turn planned",
		"request_id", d.RequestID,
		"source", d.Source,
		"path", d.Path,
		"web_search", d.Plan.NeedsWebSearch,
		"thinking", d.Plan.NeedsThinking,
		"code_context", d.Plan.NeedsCodeContext,
		"override", string(req.Override),
	)
	return d
}

// callCapability isolates the model call so a panic inside a provider
// still yields a fallback rather than a stalled turn.
func (a *Adapter) callCapability(ctx context.Context, req llm.PlanRequest) (plan *llm.Plan, err error) {
	if a.capability == nil {
		return nil, fmt.Errorf("no planner configured")
	}
	defer func() {
		if r := recover(); r != nil {
			plan, err = nil, fmt.Errorf("planner panic: %v", r)
		}
	}()
	plan, err = a.capability.Plan(ctx, req)
	if err == nil && plan == nil {
		err = fmt.Errorf("planner returned no plan")
	}
	return plan, err
}

// recordDecision adds a decision to the audit log.
func (a *Adapter) recordDecision(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.auditLog) >= a.config.MaxAuditLog {
		a.auditLog = a.auditLog[1:]
	}
	a.auditLog = append(a.auditLog, d)

	a.stats.TotalDecisions++
	if d.Source == SourceFallback {
		a.stats.Fallbacks++
	}
	a.stats.PathCounts[d.Path]++
}

// AuditLog returns up to limit recent decisions, oldest first.
func (a *Adapter) AuditLog(limit int) []Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if limit <= 0 || limit > len(a.auditLog) {
		limit = len(a.auditLog)
	}
	start := len(a.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, a.auditLog[start:])
	return result
}

// Stats returns planning statistics.
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.stats
	out.PathCounts = make(map[string]int64, len(a.stats.PathCounts))
	for k, v := range a.stats.PathCounts {
		out.PathCounts[k] = v
	}
	return out
}

func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
