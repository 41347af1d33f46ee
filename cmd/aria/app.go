package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/aria/internal/assembler"
	"github.com/nugget/aria/internal/codemem"
	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/enrich"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/httpkit"
	"github.com/nugget/aria/internal/kvstore"
	"github.com/nugget/aria/internal/llm"
	"github.com/nugget/aria/internal/ltm"
	"github.com/nugget/aria/internal/orchestrator"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/usage"
)

// app holds the wired components shared by serve and ask.
type app struct {
	cfg      *config.Config
	kv       *kvstore.Store
	bus      *events.Bus
	convs    *conversation.Store
	facts    *ltm.Store
	snippets *codemem.Store
	usage    *usage.Store
	planner  *planner.Adapter
	queue    *enrich.Queue
	orch     *orchestrator.Orchestrator
}

// newApp opens storage, loads persisted state, and wires the turn
// pipeline. A missing API key is not an error: the orchestrator then
// refuses turns with [orchestrator.ErrNoCredential].
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Storage ---
	// Conversations, memory, and usage share one SQLite file.
	dbPath := cfg.DatabasePath()
	kv, err := kvstore.Open(cfg.Storage.Driver, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	logger.Info("database opened", "path", dbPath, "driver", cfg.Storage.Driver)

	a := &app{cfg: cfg, kv: kv, bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			kv.Close()
		}
	}()

	a.convs = conversation.NewStore(conversation.NewKVPersister(kv, logger), logger)
	if err := a.convs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	a.facts = ltm.NewStore(kv, logger)
	if err := a.facts.Load(ctx); err != nil {
		return nil, fmt.Errorf("load long-term memory: %w", err)
	}
	a.snippets = codemem.NewStore(kv, logger)
	if err := a.snippets.Load(ctx); err != nil {
		return nil, fmt.Errorf("load code memory: %w", err)
	}
	a.usage, err = usage.NewStore(kv.DB())
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	// --- Model client ---
	var client llm.Client
	if cfg.HasCredential() {
		httpClient := httpkit.NewClient(
			// Streams run as long as the turn; the turn timeout bounds them.
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
		gemini, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:          cfg.Gemini.APIKey,
			BaseURL:         cfg.Gemini.BaseURL,
			HTTPClient:      httpClient,
			Timeout:         time.Duration(cfg.Gemini.TimeoutSec) * time.Second,
			PlannerModel:    cfg.Models.Planner,
			BackgroundModel: cfg.Models.Background,
			ImageModel:      cfg.Models.Image,
			ImageEditModel:  cfg.Models.ImageEdit,
		}, logger)
		if err != nil {
			return nil, err
		}
		client = gemini
		logger.Info("gemini client initialized", "default_model", cfg.Models.Default, "planner_model", cfg.Models.Planner)
	} else {
		logger.Warn("no Gemini API key configured - turns will be refused")
	}

	// --- Turn pipeline ---
	a.planner = planner.NewAdapter(client, logger, planner.Config{Model: cfg.Models.Planner})
	asm := assembler.New(client, a.snippets, cfg.Turn.HistoryMessages, logger)

	a.queue = enrich.New(client, a.convs, a.facts, a.snippets, a.bus, logger, enrich.Config{
		Workers:   cfg.Enrichment.Workers,
		QueueSize: cfg.Enrichment.QueueSize,
		Timeout:   cfg.Enrichment.Timeout(),
		Rules: enrich.Rules{
			SummaryEvery:        cfg.Enrichment.SummaryEvery,
			SummaryWindow:       cfg.Enrichment.SummaryWindow,
			CodeContextMessages: cfg.Enrichment.CodeContextMessages,
		},
	})

	deps := orchestrator.Deps{
		Conversations: a.convs,
		Planner:       a.planner,
		Assembler:     asm,
		Enricher:      a.queue,
		Facts:         a.facts,
		Usage:         a.usage,
		Bus:           a.bus,
	}
	if client != nil {
		deps.Model = client
	}
	a.orch = orchestrator.New(deps, logger, orchestrator.Config{
		Model:                cfg.Models.Default,
		Persona:              cfg.Persona(),
		CredentialConfigured: client != nil,
		HistoryMessages:      cfg.Turn.HistoryMessages,
		TickerInterval:       cfg.Turn.TickerInterval(),
		TitleThreshold:       cfg.Turn.TitleThreshold,
		ThinkingBudget:       cfg.Turn.ThinkingBudget,
		Timeout:              cfg.Turn.Timeout(),
		Pricing:              cfg.Pricing,
	})

	ok = true
	return a, nil
}

// Close releases storage. Callers stop the queue first.
func (a *app) Close() error {
	return a.kv.Close()
}
