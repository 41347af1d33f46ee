package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aria/internal/codemem"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/llm"
)

// Model is the set of background model capabilities jobs use.
type Model interface {
	Summarize(ctx context.Context, turns []llm.Content, previous string) (string, error)
	DescribeCode(ctx context.Context, code, language string, recent []llm.Content) (string, error)
	ExtractFacts(ctx context.Context, turns []llm.Content, known []string) ([]string, error)
}

// Conversations applies functional updates to stored conversations.
type Conversations interface {
	Update(id string, fn func(c *conversation.Conversation)) (*conversation.Conversation, error)
}

// Facts is the long-term memory store.
type Facts interface {
	All() []string
	Append(ctx context.Context, facts []string) ([]string, error)
}

// Snippets is the code memory store.
type Snippets interface {
	Append(ctx context.Context, sn codemem.Snippet) error
}

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent job runners. Default: 2.
	Workers int
	// QueueSize bounds pending jobs. Scheduling into a full queue
	// drops the job. Default: 64.
	QueueSize int
	// Timeout bounds each job. Default: 60 seconds.
	Timeout time.Duration
	Rules   Rules
}

// DefaultConfig returns sensible defaults for the queue.
func DefaultConfig() Config {
	return Config{
		Workers:   2,
		QueueSize: 64,
		Timeout:   60 * time.Second,
		Rules:     DefaultRules(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	c.Rules.applyDefaults()
}

// Queue runs enrichment jobs on a pool of worker goroutines. Failures
// are logged and published; nothing is retried.
type Queue struct {
	model    Model
	convs    Conversations
	facts    Facts
	snippets Snippets
	bus      *events.Bus
	logger   *slog.Logger
	config   Config

	jobs   chan Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Call Start to begin processing.
func New(model Model, convs Conversations, facts Facts, snippets Snippets, bus *events.Bus, logger *slog.Logger, cfg Config) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		model:    model,
		convs:    convs,
		facts:    facts,
		snippets: snippets,
		bus:      bus,
		logger:   logger.With("component", "enrich"),
		config:   cfg,
		jobs:     make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop
// is called.
func (q *Queue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(workerCtx, i)
	}
	q.logger.Info("enrichment workers started", "workers", q.config.Workers, "queue_size", q.config.QueueSize)
}

// Stop cancels the workers and waits for them to exit. Jobs still
// queued are abandoned.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	if n := len(q.jobs); n > 0 {
		q.logger.Warn("enrichment stopped with pending jobs", "pending", n)
	}
}

// Schedule enqueues job without blocking. It returns false when the
// queue is full and the job was dropped.
func (q *Queue) Schedule(job Job) bool {
	select {
	case q.jobs <- job:
		q.logger.Debug("job scheduled", "job", job.Kind, "conversation", job.ConversationID)
		return true
	default:
		q.logger.Warn("enrichment queue full, dropping job",
			"job", job.Kind,
			"conversation", job.ConversationID,
		)
		return false
	}
}

// ScheduleTurn derives and enqueues the jobs for a settled turn and
// returns how many were accepted.
func (q *Queue) ScheduleTurn(snap Snapshot) int {
	accepted := 0
	for _, job := range JobsFor(snap, q.config.Rules) {
		if q.Schedule(job) {
			accepted++
		}
	}
	return accepted
}

// Pending returns the number of queued jobs.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, id, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, job Job) {
	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	start := time.Now()
	err := q.Run(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		q.logger.Warn("enrichment job failed",
			"job", job.Kind,
			"conversation", job.ConversationID,
			"worker", worker,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		q.bus.Emit(events.SourceEnrich, events.KindJobFailed, map[string]any{
			"job":             string(job.Kind),
			"conversation_id": job.ConversationID,
			"error":           err.Error(),
		})
		return
	}

	q.logger.Debug("enrichment job done",
		"job", job.Kind,
		"conversation", job.ConversationID,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	q.bus.Emit(events.SourceEnrich, events.KindJobDone, map[string]any{
		"job":             string(job.Kind),
		"conversation_id": job.ConversationID,
		"duration_ms":     elapsed.Milliseconds(),
	})
}

// Run executes job synchronously. A panicking job is reported as an
// error so one bad response cannot take down a worker.
func (q *Queue) Run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s job panicked: %v", job.Kind, r)
		}
	}()

	switch job.Kind {
	case KindSummary:
		return q.summarize(ctx, job)
	case KindCode:
		return q.saveCode(ctx, job)
	case KindMemory:
		return q.extractMemory(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (q *Queue) summarize(ctx context.Context, job Job) error {
	if len(job.Turns) == 0 {
		return nil
	}
	summary, err := q.model.Summarize(ctx, job.Turns, job.PreviousSummary)
	if err != nil {
		return err
	}
	if _, err := q.convs.Update(job.ConversationID, func(c *conversation.Conversation) {
		c.Summary = summary
	}); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	q.logger.Info("conversation summary updated",
		"conversation", job.ConversationID,
		"length", len(summary),
	)
	return nil
}

func (q *Queue) saveCode(ctx context.Context, job Job) error {
	desc, err := q.model.DescribeCode(ctx, job.Block.Code, job.Block.Language, job.Turns)
	if err != nil {
		return err
	}
	return q.snippets.Append(ctx, codemem.Snippet{
		ID:          conversation.NewID(),
		Language:    job.Block.Language,
		Code:        job.Block.Code,
		Description: desc,
	})
}

func (q *Queue) extractMemory(ctx context.Context, job Job) error {
	facts, err := q.model.ExtractFacts(ctx, job.Turns, q.facts.All())
	if err != nil {
		return err
	}
	added, err := q.facts.Append(ctx, facts)
	if err != nil && len(added) == 0 {
		return fmt.Errorf("store facts: %w", err)
	}
	if len(added) == 0 {
		return nil
	}

	_, uerr := q.convs.Update(job.ConversationID, func(c *conversation.Conversation) {
		if m := c.Message(job.MessageID); m != nil {
			m.MemoryUpdated = true
		}
	})
	if uerr != nil && !errors.Is(uerr, conversation.ErrNotFound) {
		return fmt.Errorf("mark memory updated: %w", uerr)
	}

	q.bus.Emit(events.SourceEnrich, events.KindMemoryUpdated, map[string]any{
		"conversation_id": job.ConversationID,
		"message_id":      job.MessageID,
		"added":           added,
	})
	return err
}
