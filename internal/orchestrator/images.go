package orchestrator

import (
	"context"
	"time"

	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/usage"
)

// Image generation limits.
const (
	MaxImageCount      = 4
	DefaultAspectRatio = "1:1"
)

// ImageOptions confirms an image generation request. Prompt and
// ConversationID default to the request waiting for options.
type ImageOptions struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Count          int    `json:"count"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

// PendingImage returns the prompt waiting for generation options.
func (o *Orchestrator) PendingImage() (conversationID, prompt string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return "", "", false
	}
	return o.pending.ConversationID, o.pending.Prompt, true
}

// GenerateImages runs a user-confirmed image generation. It appends its
// own placeholder and replaces it with the images or an error.
func (o *Orchestrator) GenerateImages(ctx context.Context, opts ImageOptions) (*Result, error) {
	o.mu.Lock()
	if p := o.pending; p != nil {
		if opts.Prompt == "" {
			opts.Prompt = p.Prompt
		}
		if opts.ConversationID == "" {
			opts.ConversationID = p.ConversationID
		}
	}
	o.mu.Unlock()

	if opts.Prompt == "" {
		return nil, ErrNoPendingImage
	}
	if opts.ConversationID != "" {
		if _, ok := o.convs.Get(opts.ConversationID); !ok {
			return nil, ErrConversationNotFound
		}
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Count > MaxImageCount {
		opts.Count = MaxImageCount
	}
	if opts.AspectRatio == "" {
		opts.AspectRatio = DefaultAspectRatio
	}

	t := newTurn(Input{ConversationID: opts.ConversationID, Prompt: opts.Prompt})
	if err := o.acquire(t); err != nil {
		return nil, err
	}
	defer o.release(t)

	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()

	convID, err := o.ensureConversation(opts.ConversationID)
	if err != nil {
		return nil, err
	}
	t.conversationID = convID

	placeholder := conversation.NewMessage(conversation.RoleModel, "")
	placeholder.SetPhase(conversation.PhaseGeneratingImage)
	placeholder.ImageCount = opts.Count
	placeholder.AspectRatio = opts.AspectRatio
	t.placeholderID = placeholder.ID
	if _, err := o.convs.Update(convID, func(c *conversation.Conversation) {
		c.Messages = append(c.Messages, placeholder)
	}); err != nil {
		return nil, ErrConversationNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	t.cancel = cancel
	o.mu.Unlock()

	res := &Result{TurnID: t.id, ConversationID: convID, MessageID: placeholder.ID, Path: planner.PathImageGeneration}
	o.setState(t, StateGenerating)
	o.publishMessage(convID, &placeholder)

	start := time.Now()
	out, err := o.model.GenerateImages(ctx, llm.ImageRequest{
		Prompt:      opts.Prompt,
		Count:       opts.Count,
		AspectRatio: opts.AspectRatio,
	})
	if err != nil {
		o.abort(t, res, err)
		return res, nil
	}

	m := o.updatePlaceholder(t, func(m *conversation.Message) {
		m.SetPhase(conversation.PhaseNone)
		m.Images = make([]conversation.GeneratedImage, len(out.Images))
		for i, img := range out.Images {
			m.Images[i] = conversation.GeneratedImage{Data: img.Data, MIMEType: img.MIMEType}
		}
	})
	if m != nil {
		o.publishMessage(convID, m)
	}
	res.Images = len(out.Images)

	o.logger.Info("images generated",
		"conversation", convID,
		"model", out.Model,
		"requested", opts.Count,
		"returned", len(out.Images),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	o.recordUsage(ctx, usage.Record{
		TurnID:         t.id,
		ConversationID: convID,
		MessageID:      placeholder.ID,
		Model:          out.Model,
		Kind:           usage.KindImageGeneration,
		Images:         len(out.Images),
	})
	return res, nil
}
