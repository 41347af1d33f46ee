// Package orchestrator runs conversation turns. A turn plans the reply,
// takes one of three paths (image edit, image generation handoff, or a
// streamed response), and schedules background enrichment once the
// visible reply has settled. One turn runs at a time.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aria/internal/assembler"
	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/enrich"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/stream"
	"github.com/nugget/aria/internal/usage"
)

// State is the per-turn state machine position.
type State string

const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateImageEdit    State = "image_edit"
	StateImageHandoff State = "image_handoff"
	StateResponding   State = "responding"
	StateEnriching    State = "enriching"
	// StateGenerating covers a user-confirmed image generation, which
	// runs outside the planning state machine.
	StateGenerating State = "generating_image"
)

// Planner produces a plan for a turn.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) planner.Decision
}

// Assembler builds model history for a turn.
type Assembler interface {
	Build(ctx context.Context, in assembler.Input) *assembler.Result
}

// Model is the set of foreground model capabilities a turn uses.
type Model interface {
	StreamRespond(ctx context.Context, cfg llm.SessionConfig, history []llm.Content, parts []llm.Part, fn llm.StreamCallback) error
	GenerateImages(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error)
	EditImage(ctx context.Context, prompt string, image llm.Blob) (*llm.EditResult, error)
}

// Enricher schedules background work for a settled turn.
type Enricher interface {
	ScheduleTurn(snap enrich.Snapshot) int
}

// Facts renders long-term memory for the system instruction.
type Facts interface {
	Block() string
}

// UsageRecorder persists token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config controls turn behavior.
type Config struct {
	// Model is the default response model.
	Model string
	// Persona is the assistant persona text for the system instruction.
	Persona string
	// CredentialConfigured gates every model-backed operation.
	CredentialConfigured bool

	HistoryMessages int
	TickerInterval  time.Duration
	TitleThreshold  int
	ThinkingBudget  int
	// Timeout bounds a whole turn. Zero means no limit.
	Timeout time.Duration

	Pricing map[string]config.PricingEntry
}

// Deps are the collaborators an Orchestrator drives. Enricher, Usage,
// Facts, and Bus may be nil.
type Deps struct {
	Conversations *conversation.Store
	Planner       Planner
	Assembler     Assembler
	Model         Model
	Enricher      Enricher
	Facts         Facts
	Usage         UsageRecorder
	Bus           *events.Bus
}

// Orchestrator coordinates turns over the shared conversation store.
type Orchestrator struct {
	convs     *conversation.Store
	planner   Planner
	assembler Assembler
	model     Model
	enricher  Enricher
	facts     Facts
	usage     UsageRecorder
	bus       *events.Bus
	logger    *slog.Logger
	config    Config

	mu        sync.Mutex
	busy      bool
	state     State
	turn      *turn
	pinned    planner.Override
	pending   *pendingImage
	lastError string
}

// pendingImage is an image request waiting for generation options.
type pendingImage struct {
	ConversationID string
	Prompt         string
}

// New creates an Orchestrator.
func New(deps Deps, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = 100 * time.Millisecond
	}
	if cfg.TitleThreshold <= 0 {
		cfg.TitleThreshold = stream.DefaultTitleThreshold
	}
	return &Orchestrator{
		convs:     deps.Conversations,
		planner:   deps.Planner,
		assembler: deps.Assembler,
		model:     deps.Model,
		enricher:  deps.Enricher,
		facts:     deps.Facts,
		usage:     deps.Usage,
		bus:       deps.Bus,
		logger:    logger.With("component", "orchestrator"),
		config:    cfg,
		state:     StateIdle,
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State              State            `json:"state"`
	Loading            bool             `json:"loading"`
	TurnID             string           `json:"turn_id,omitempty"`
	ConversationID     string           `json:"conversation_id,omitempty"`
	Thinking           bool             `json:"thinking"`
	Searching          bool             `json:"searching"`
	PinnedTool         planner.Override `json:"pinned_tool,omitempty"`
	PendingImagePrompt string           `json:"pending_image_prompt,omitempty"`
	ActiveConversation string           `json:"active_conversation,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	CredentialMissing  bool             `json:"credential_missing,omitempty"`
}

// Status reports the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:              o.state,
		Loading:            o.busy,
		PinnedTool:         o.pinned,
		ActiveConversation: o.convs.Active(),
		LastError:          o.lastError,
		CredentialMissing:  !o.config.CredentialConfigured,
	}
	if o.turn != nil {
		st.TurnID = o.turn.id
		st.ConversationID = o.turn.conversationID
		st.Thinking, st.Searching = o.turn.indicators()
	}
	if o.pending != nil {
		st.PendingImagePrompt = o.pending.Prompt
	}
	return st
}

// PinTool sets the mode that overrides the planner on following turns.
// OverrideNone clears it.
func (o *Orchestrator) PinTool(ov planner.Override) {
	o.mu.Lock()
	o.pinned = ov
	o.mu.Unlock()
	o.logger.Debug("tool pinned", "tool", string(ov))
}

// Cancel aborts the in-flight turn. Content already streamed stays.
// It reports whether there was a turn to cancel.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn == nil {
		return false
	}
	o.logger.Info("turn cancelled by user", "turn", o.turn.id, "conversation", o.turn.conversationID)
	o.turn.markCancelled()
	return true
}

// NewConversation creates an empty conversation and selects it.
func (o *Orchestrator) NewConversation() *conversation.Conversation {
	c := o.convs.Create()
	if err := o.convs.SetActive(c.ID); err != nil {
		o.logger.Warn("failed to select new conversation", "conversation", c.ID, "error", err)
	}
	o.publish(events.KindConversation, map[string]any{
		"conversation_id": c.ID,
		"action":          "created",
	})
	return c
}

// SelectConversation makes id the active conversation. Switching away
// from a conversation with a running turn stops its reasoning timer;
// the turn itself keeps going.
func (o *Orchestrator) SelectConversation(id string) error {
	if err := o.convs.SetActive(id); err != nil {
		return ErrConversationNotFound
	}

	o.mu.Lock()
	if o.turn != nil && o.turn.conversationID != id {
		o.turn.stopTicker()
	}
	o.mu.Unlock()

	o.publish(events.KindConversation, map[string]any{
		"conversation_id": id,
		"action":          "selected",
	})
	return nil
}

// DeleteConversation removes a conversation, cancelling its turn if
// one is running.
func (o *Orchestrator) DeleteConversation(id string) error {
	o.mu.Lock()
	if o.turn != nil && o.turn.conversationID == id && o.turn.cancel != nil {
		o.turn.markCancelled()
	}
	if o.pending != nil && o.pending.ConversationID == id {
		o.pending = nil
	}
	o.mu.Unlock()

	if err := o.convs.Delete(id); err != nil {
		return ErrConversationNotFound
	}
	o.publish(events.KindConversation, map[string]any{
		"conversation_id": id,
		"action":          "deleted",
	})
	return nil
}

// SetPinned pins or unpins a conversation in the list.
func (o *Orchestrator) SetPinned(id string, pinned bool) (*conversation.Conversation, error) {
	c, err := o.convs.Update(id, func(c *conversation.Conversation) { c.Pinned = pinned })
	if err != nil {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

// acquire takes the loading guard for a new turn.
func (o *Orchestrator) acquire(t *turn) error {
	if !o.config.CredentialConfigured {
		return ErrNoCredential
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return ErrBusy
	}
	o.busy = true
	o.turn = t
	o.lastError = ""
	return nil
}

// release returns to idle. It runs on every exit path of a turn.
func (o *Orchestrator) release(t *turn) {
	t.stopTicker()

	o.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	o.busy = false
	o.turn = nil
	o.state = StateIdle
	o.mu.Unlock()

	o.publish(events.KindTurnState, map[string]any{
		"turn_id":         t.id,
		"conversation_id": t.conversationID,
		"state":           string(StateIdle),
	})
}

func (o *Orchestrator) setState(t *turn, s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()

	o.logger.Debug("turn state", "turn", t.id, "conversation", t.conversationID, "state", s)
	o.publish(events.KindTurnState, map[string]any{
		"turn_id":         t.id,
		"conversation_id": t.conversationID,
		"state":           string(s),
	})
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.bus.Emit(events.SourceOrchestrator, kind, data)
}

// recordUsage writes a usage record. Failures are logged only.
func (o *Orchestrator) recordUsage(ctx context.Context, rec usage.Record) {
	if o.usage == nil {
		return
	}
	rec.CostUSD = usage.ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, o.config.Pricing)
	if err := o.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record usage", "turn", rec.TurnID, "error", err)
		return
	}
	o.publish(events.KindUsage, map[string]any{
		"turn_id":         rec.TurnID,
		"conversation_id": rec.ConversationID,
		"model":           rec.Model,
		"kind":            rec.Kind,
		"input_tokens":    rec.InputTokens,
		"output_tokens":   rec.OutputTokens,
		"images":          rec.Images,
		"cost_usd":        rec.CostUSD,
	})
}
