package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aria/internal/assembler"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/enrich"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/prompts"
	"github.com/nugget/aria/internal/stream"
	"github.com/nugget/aria/internal/usage"
)

// fallbackTitleLength bounds a title derived from the prompt.
const fallbackTitleLength = 40

// Input is one user submission.
type Input struct {
	// ConversationID selects the conversation. Empty uses the active
	// one, creating it if none is selected.
	ConversationID string                   `json:"conversation_id,omitempty"`
	Prompt         string                   `json:"prompt"`
	Image          *conversation.Attachment `json:"image,omitempty"`
	File           *conversation.Attachment `json:"file,omitempty"`
	// Model overrides the configured response model.
	Model string `json:"model,omitempty"`
}

// Result describes how a turn ended. Rejected turns return an error
// instead; a Result is returned for every turn that started.
type Result struct {
	TurnID         string                  `json:"turn_id"`
	ConversationID string                  `json:"conversation_id"`
	MessageID      string                  `json:"message_id,omitempty"`
	Path           string                  `json:"path"`
	Content        string                  `json:"content,omitempty"`
	Title          string                  `json:"title,omitempty"`
	Sources        []conversation.Citation `json:"sources,omitempty"`
	Usage          *conversation.Usage     `json:"usage,omitempty"`
	Images         int                     `json:"images,omitempty"`
	// ImagePrompt is set when the turn handed off to image options.
	ImagePrompt string `json:"image_prompt,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	// Error is the user-facing failure message.
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Jobs is how many enrichment jobs were scheduled.
	Jobs int `json:"jobs,omitempty"`
}

// turn is the execution context of one turn. Fields below mu may be
// touched from other goroutines (Cancel, Status, conversation switch).
type turn struct {
	id             string
	conversationID string
	placeholderID  string
	input          Input
	firstTurn      bool
	prior          []conversation.Message
	summary        string
	cancel         context.CancelFunc // guarded by Orchestrator.mu

	mu        sync.Mutex
	ticker    *durationTicker
	cancelled bool
	thinking  bool
	searching bool
}

func newTurn(in Input) *turn {
	return &turn{id: conversation.NewID(), input: in}
}

func (t *turn) stopTicker() {
	t.mu.Lock()
	tk := t.ticker
	t.ticker = nil
	t.mu.Unlock()
	tk.Stop()
}

func (t *turn) setTicker(tk *durationTicker) {
	t.mu.Lock()
	t.ticker = tk
	t.mu.Unlock()
}

// markCancelled records a user cancel and aborts the turn context. A
// turn whose context does not exist yet picks the cancel up in run.
// The caller holds Orchestrator.mu.
func (t *turn) markCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *turn) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *turn) setIndicators(thinking, searching bool) {
	t.mu.Lock()
	t.thinking, t.searching = thinking, searching
	t.mu.Unlock()
}

func (t *turn) indicators() (thinking, searching bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thinking, t.searching
}

// Send runs a turn for a new user message.
func (o *Orchestrator) Send(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.Prompt) == "" && in.Image == nil && in.File == nil {
		return nil, ErrEmptyPrompt
	}
	if in.ConversationID != "" {
		if _, ok := o.convs.Get(in.ConversationID); !ok {
			return nil, ErrConversationNotFound
		}
	}

	t := newTurn(in)
	if err := o.acquire(t); err != nil {
		return nil, err
	}
	defer o.release(t)

	convID, err := o.ensureConversation(in.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := o.begin(t, convID, nil); err != nil {
		return nil, err
	}
	return o.run(ctx, t), nil
}

// Retry resubmits the user message that preceded the most recent
// assistant reply. The conversation is cut back to just before that
// user message, which the resubmission appends again.
func (o *Orchestrator) Retry(ctx context.Context, conversationID string) (*Result, error) {
	id := o.resolveConversation(conversationID)
	c, ok := o.convs.Get(id)
	if !ok {
		return nil, ErrConversationNotFound
	}
	mi := c.LastModelIndex()
	if mi < 0 {
		return nil, ErrNothingToRetry
	}
	if mi == 0 || c.Messages[mi-1].Role != conversation.RoleUser {
		return nil, ErrNotUserMessage
	}
	orig := c.Messages[mi-1]

	t := newTurn(Input{ConversationID: id, Prompt: orig.Content, Image: orig.Image, File: orig.File})
	if err := o.acquire(t); err != nil {
		return nil, err
	}
	defer o.release(t)

	o.logger.Info("retrying turn", "conversation", id, "message", orig.ID)
	if err := o.begin(t, id, func(c *conversation.Conversation) {
		if i := c.IndexOf(orig.ID); i >= 0 {
			c.Truncate(i)
		}
	}); err != nil {
		return nil, err
	}
	return o.run(ctx, t), nil
}

// EditAndResend replaces a user message with new text and reruns the
// conversation from there. The original attachments are kept.
func (o *Orchestrator) EditAndResend(ctx context.Context, conversationID, messageID, text string) (*Result, error) {
	id := o.resolveConversation(conversationID)
	c, ok := o.convs.Get(id)
	if !ok {
		return nil, ErrConversationNotFound
	}
	m := c.Message(messageID)
	if m == nil {
		return nil, ErrMessageNotFound
	}
	if m.Role != conversation.RoleUser {
		return nil, ErrNotUserMessage
	}
	if strings.TrimSpace(text) == "" && m.Image == nil && m.File == nil {
		return nil, ErrEmptyPrompt
	}

	t := newTurn(Input{ConversationID: id, Prompt: text, Image: m.Image, File: m.File})
	if err := o.acquire(t); err != nil {
		return nil, err
	}
	defer o.release(t)

	if err := o.begin(t, id, func(c *conversation.Conversation) {
		if i := c.IndexOf(messageID); i >= 0 {
			c.Truncate(i)
		}
	}); err != nil {
		return nil, err
	}
	return o.run(ctx, t), nil
}

func (o *Orchestrator) resolveConversation(id string) string {
	if id != "" {
		return id
	}
	return o.convs.Active()
}

// ensureConversation returns the conversation a turn targets, creating
// and selecting one when nothing is active.
func (o *Orchestrator) ensureConversation(id string) (string, error) {
	if id != "" {
		if id != o.convs.Active() {
			if err := o.SelectConversation(id); err != nil {
				return "", err
			}
		}
		return id, nil
	}
	if active := o.convs.Active(); active != "" {
		if _, ok := o.convs.Get(active); ok {
			return active, nil
		}
	}
	return o.NewConversation().ID, nil
}

// begin appends the user message and the planning placeholder in one
// update, after prepare has cut the conversation back if needed.
func (o *Orchestrator) begin(t *turn, convID string, prepare func(c *conversation.Conversation)) error {
	t.conversationID = convID

	user := conversation.NewMessage(conversation.RoleUser, t.input.Prompt)
	user.Image = t.input.Image
	user.File = t.input.File
	placeholder := conversation.NewMessage(conversation.RoleModel, "")
	placeholder.SetPhase(conversation.PhasePlanning)
	t.placeholderID = placeholder.ID

	_, err := o.convs.Update(convID, func(c *conversation.Conversation) {
		if prepare != nil {
			prepare(c)
		}
		t.prior = c.Clone().Messages
		t.summary = c.Summary
		t.firstTurn = len(c.Messages) == 0
		if t.firstTurn {
			c.IsGeneratingTitle = true
		}
		c.Messages = append(c.Messages, user, placeholder)
	})
	if err != nil {
		return ErrConversationNotFound
	}

	o.logger.Info("turn started",
		"turn", t.id,
		"conversation", convID,
		"first_turn", t.firstTurn,
		"prompt_length", len(t.input.Prompt),
		"has_image", t.input.Image != nil,
		"has_file", t.input.File != nil,
	)
	o.publishMessage(t.conversationID, &placeholder)
	return nil
}

// run drives a started turn to completion. Every failure lands in the
// conversation and the Result; nothing escapes as an error.
func (o *Orchestrator) run(parent context.Context, t *turn) (res *Result) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if o.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, o.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	o.mu.Lock()
	t.cancel = cancel
	if t.isCancelled() {
		cancel()
	}
	override := o.pinned
	o.mu.Unlock()

	res = &Result{TurnID: t.id, ConversationID: t.conversationID, MessageID: t.placeholderID}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "turn", t.id, "conversation", t.conversationID, "panic", r)
			o.fail(t, res, fmt.Errorf("turn panic: %v", r))
		}
		o.settleTitle(t, res)
		o.logger.Info("turn finished",
			"turn", t.id,
			"conversation", t.conversationID,
			"path", res.Path,
			"cancelled", res.Cancelled,
			"error_kind", string(res.ErrorKind),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()

	if ctx.Err() != nil {
		o.abort(t, res, ctx.Err())
		return res
	}

	o.setState(t, StatePlanning)
	in := t.input
	decision := o.planner.Plan(ctx, planner.Request{
		Prompt:   in.Prompt,
		Image:    assembler.BlobFrom(in.Image),
		FileName: fileName(in.File),
		FileMIME: fileMIME(in.File),
		Model:    in.Model,
		Override: override,
	})
	plan := decision.Plan
	if plan.IsImageEdit && in.Image == nil {
		plan.IsImageEdit = false
	}
	res.Path = planner.Path(plan)

	if ctx.Err() != nil {
		o.abort(t, res, ctx.Err())
		return res
	}

	switch res.Path {
	case planner.PathImageEdit:
		o.editImage(ctx, t, res)
	case planner.PathImageGeneration:
		o.handoff(t, res)
	default:
		o.respond(ctx, t, plan, res)
	}
	return res
}

// editImage sends the attached image and prompt to the edit model and
// replaces the placeholder with the result.
func (o *Orchestrator) editImage(ctx context.Context, t *turn, res *Result) {
	o.setState(t, StateImageEdit)
	o.updatePlaceholder(t, func(m *conversation.Message) {
		m.SetPhase(conversation.PhaseEditingImage)
	})

	out, err := o.model.EditImage(ctx, t.input.Prompt, *assembler.BlobFrom(t.input.Image))
	if err != nil {
		o.abort(t, res, err)
		return
	}

	u := toUsage(out.Usage)
	m := o.updatePlaceholder(t, func(m *conversation.Message) {
		m.SetPhase(conversation.PhaseNone)
		m.Content = out.Text
		if out.Image != nil {
			m.Images = []conversation.GeneratedImage{{Data: out.Image.Data, MIMEType: out.Image.MIMEType}}
		}
		m.Usage = u
	})
	if m != nil {
		res.Images = len(m.Images)
	}
	res.Content = out.Text
	res.Usage = u

	rec := usage.Record{
		TurnID:         t.id,
		ConversationID: t.conversationID,
		MessageID:      t.placeholderID,
		Model:          out.Model,
		Kind:           usage.KindImageEdit,
		Images:         res.Images,
	}
	if u != nil {
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens = u.PromptTokens, u.CandidatesTokens, u.TotalTokens
	}
	o.recordUsage(ctx, rec)
}

// handoff removes the placeholder and waits for the user to choose
// image generation options.
func (o *Orchestrator) handoff(t *turn, res *Result) {
	o.setState(t, StateImageHandoff)
	if _, err := o.convs.Update(t.conversationID, func(c *conversation.Conversation) {
		c.RemoveMessage(t.placeholderID)
	}); err != nil {
		o.logger.Debug("handoff target gone", "conversation", t.conversationID, "error", err)
	}

	o.mu.Lock()
	o.pending = &pendingImage{ConversationID: t.conversationID, Prompt: t.input.Prompt}
	o.mu.Unlock()

	res.MessageID = ""
	res.ImagePrompt = t.input.Prompt
	o.publish(events.KindImageOptions, map[string]any{
		"conversation_id": t.conversationID,
		"prompt":          t.input.Prompt,
	})
}

// respond streams a model reply into the placeholder.
func (o *Orchestrator) respond(ctx context.Context, t *turn, plan llm.Plan, res *Result) {
	o.setState(t, StateResponding)

	thinking := plan.NeedsThinking && len(plan.Thoughts) > 0
	o.updatePlaceholder(t, func(m *conversation.Message) {
		m.SetPhase(conversation.PhaseNone)
		if thinking {
			m.Thoughts = toSteps(plan.Thoughts)
		}
	})
	t.setIndicators(thinking, plan.NeedsWebSearch)
	if thinking {
		o.startTicker(t)
	}

	hist := o.assembler.Build(ctx, assembler.Input{
		Messages:         t.prior,
		Summary:          t.summary,
		Prompt:           t.input.Prompt,
		NeedsCodeContext: plan.NeedsCodeContext,
	})

	facts := ""
	if o.facts != nil {
		facts = o.facts.Block()
	}
	model := t.input.Model
	if model == "" {
		model = o.config.Model
	}
	session := llm.SessionConfig{
		Model:             model,
		SystemInstruction: prompts.SystemInstruction(o.config.Persona, facts, t.firstTurn),
		Thinking:          plan.NeedsThinking,
		ThinkingBudget:    o.config.ThinkingBudget,
		WebSearch:         plan.NeedsWebSearch,
	}

	consumer := stream.NewConsumer(t.firstTurn, o.config.TitleThreshold)
	parts := assembler.UserParts(t.input.Prompt, t.input.Image, t.input.File)

	err := o.model.StreamRespond(ctx, session, hist.History, parts, func(ch llm.Chunk) {
		upd := consumer.Consume(ch)
		if upd.First {
			t.stopTicker()
			t.setIndicators(false, false)
		}
		o.applyChunk(t, upd)
	})

	t.stopTicker()
	t.setIndicators(false, false)
	res.Content = consumer.Display()
	res.Title = consumer.Title()
	res.Usage = toUsage(consumer.Usage())

	if err != nil {
		o.abort(t, res, err)
		return
	}

	if c, ok := o.convs.Get(t.conversationID); ok {
		if m := c.Message(t.placeholderID); m != nil {
			res.Sources = m.Sources
		}
	}

	if u := consumer.Usage(); u != nil {
		o.recordUsage(ctx, usage.Record{
			TurnID:         t.id,
			ConversationID: t.conversationID,
			MessageID:      t.placeholderID,
			Model:          model,
			Kind:           usage.KindStream,
			InputTokens:    u.PromptTokens,
			OutputTokens:   u.CandidatesTokens,
			TotalTokens:    u.TotalTokens,
		})
	}

	o.setState(t, StateEnriching)
	res.Jobs = o.scheduleEnrichment(t)
}

// applyChunk writes one chunk's effect into the placeholder and the
// conversation title.
func (o *Orchestrator) applyChunk(t *turn, upd stream.Update) {
	c, err := o.convs.Update(t.conversationID, func(c *conversation.Conversation) {
		m := c.Message(t.placeholderID)
		if m == nil {
			return
		}
		m.Content = upd.Display
		for _, cit := range upd.Citations {
			m.Sources = append(m.Sources, conversation.Citation{URI: cit.URI, Title: cit.Title})
		}
		if upd.Usage != nil {
			m.Usage = toUsage(upd.Usage)
		}
		if upd.TitleExtracted {
			c.Title = upd.Title
			c.IsGeneratingTitle = false
		}
	})
	if err != nil {
		o.logger.Debug("chunk target gone", "conversation", t.conversationID, "error", err)
		return
	}
	if msg := c.Message(t.placeholderID); msg != nil {
		o.publishMessage(t.conversationID, msg)
	}
	if upd.TitleExtracted {
		o.logger.Debug("title extracted", "conversation", t.conversationID, "title", upd.Title)
		o.publish(events.KindTitle, map[string]any{
			"conversation_id": t.conversationID,
			"title":           upd.Title,
		})
	}
}

func (o *Orchestrator) startTicker(t *turn) {
	t.setTicker(startTicker(o.config.TickerInterval, func(elapsed time.Duration) {
		m := o.updatePlaceholder(t, func(m *conversation.Message) {
			m.ThinkingDuration = elapsed.Milliseconds()
		})
		if m != nil {
			o.publishMessage(t.conversationID, m)
		}
	}))
}

// scheduleEnrichment hands the settled conversation to the background
// queue. Jobs capture the conversation id now.
func (o *Orchestrator) scheduleEnrichment(t *turn) int {
	if o.enricher == nil {
		return 0
	}
	c, ok := o.convs.Get(t.conversationID)
	if !ok {
		return 0
	}
	n := o.enricher.ScheduleTurn(enrich.Snapshot{
		ConversationID: c.ID,
		Messages:       c.Messages,
		Summary:        c.Summary,
	})
	o.logger.Debug("enrichment scheduled", "turn", t.id, "conversation", c.ID, "jobs", n)
	return n
}

// abort ends a turn that did not complete. A user cancel keeps the
// partial placeholder as it is; anything else is a failure.
func (o *Orchestrator) abort(t *turn, res *Result, err error) {
	if t.isCancelled() || errors.Is(err, context.Canceled) {
		res.Cancelled = true
		o.updatePlaceholder(t, func(m *conversation.Message) {
			m.SetPhase(conversation.PhaseNone)
		})
		return
	}
	o.fail(t, res, err)
}

// fail writes the user-facing error into the last message, or appends
// an assistant message when the last one belongs to the user.
func (o *Orchestrator) fail(t *turn, res *Result, err error) {
	friendly := FriendlyError(err)
	kind := Classify(err)
	o.logger.Warn("turn failed",
		"turn", t.id,
		"conversation", t.conversationID,
		"error_kind", string(kind),
		"error", err,
	)

	c, uerr := o.convs.Update(t.conversationID, func(c *conversation.Conversation) {
		last := c.Last()
		if last == nil || last.Role == conversation.RoleUser {
			m := conversation.NewMessage(conversation.RoleModel, friendly)
			c.Messages = append(c.Messages, m)
			return
		}
		last.SetPhase(conversation.PhaseNone)
		last.Content = friendly
	})
	if uerr == nil {
		target := c.Last()
		res.MessageID = target.ID
		o.publishMessage(t.conversationID, target)
	}

	res.Error = friendly
	res.ErrorKind = kind
	o.mu.Lock()
	o.lastError = friendly
	o.mu.Unlock()

	o.publish(events.KindTurnError, map[string]any{
		"conversation_id": t.conversationID,
		"message_id":      res.MessageID,
		"message":         friendly,
		"kind":            string(kind),
	})
}

// settleTitle ends title generation for a first turn. A turn that
// finished without a title directive takes its title from the prompt.
func (o *Orchestrator) settleTitle(t *turn, res *Result) {
	if !t.firstTurn {
		return
	}
	useFallback := res.Error == "" && !res.Cancelled
	var fallback string
	c, err := o.convs.Update(t.conversationID, func(c *conversation.Conversation) {
		c.IsGeneratingTitle = false
		if useFallback && c.Title == conversation.DefaultTitle {
			fallback = FallbackTitle(t.input.Prompt)
			if fallback != "" {
				c.Title = fallback
			}
		}
	})
	if err != nil {
		return
	}
	res.Title = c.Title
	if fallback != "" {
		o.publish(events.KindTitle, map[string]any{
			"conversation_id": t.conversationID,
			"title":           fallback,
		})
	}
}

// FallbackTitle derives a conversation title from a prompt.
func FallbackTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	r := []rune(title)
	if len(r) <= fallbackTitleLength {
		return title
	}
	return strings.TrimSpace(string(r[:fallbackTitleLength])) + "..."
}

// updatePlaceholder applies fn to the turn's placeholder and returns a
// copy of it, or nil when it no longer exists.
func (o *Orchestrator) updatePlaceholder(t *turn, fn func(m *conversation.Message)) *conversation.Message {
	c, err := o.convs.Update(t.conversationID, func(c *conversation.Conversation) {
		if m := c.Message(t.placeholderID); m != nil {
			fn(m)
		}
	})
	if err != nil {
		return nil
	}
	return c.Message(t.placeholderID)
}

func (o *Orchestrator) publishMessage(convID string, m *conversation.Message) {
	o.publish(events.KindMessageUpdate, map[string]any{
		"conversation_id":      convID,
		"message_id":           m.ID,
		"content":              m.Content,
		"thinking_duration_ms": m.ThinkingDuration,
		"sources":              len(m.Sources),
		"phase":                phaseName(m),
	})
}

func phaseName(m *conversation.Message) string {
	switch {
	case m.IsPlanning:
		return "planning"
	case m.IsEditingImage:
		return "editing_image"
	case m.IsGeneratingImage:
		return "generating_image"
	default:
		return ""
	}
}

func toUsage(u *llm.Usage) *conversation.Usage {
	if u == nil {
		return nil
	}
	return &conversation.Usage{
		PromptTokens:     u.PromptTokens,
		CandidatesTokens: u.CandidatesTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toSteps(steps []llm.ReasoningStep) []conversation.ReasoningStep {
	out := make([]conversation.ReasoningStep, len(steps))
	for i, s := range steps {
		out[i] = conversation.ReasoningStep{Phase: s.Phase, Text: s.Text}
	}
	return out
}

func fileName(a *conversation.Attachment) string {
	if a == nil {
		return ""
	}
	return a.Name
}

func fileMIME(a *conversation.Attachment) string {
	if a == nil {
		return ""
	}
	return a.MIMEType
}
