package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/orchestrator"
)

// runAsk handles "aria ask <prompt>". It runs one turn in a new
// conversation against the configured storage and prints the reply.
// Background enrichment is abandoned when the command exits.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only the reply.
	logger, err := config.NewLogger(stderr, "warn", cfg.LogFormat)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.queue.Start(ctx)
	defer a.queue.Stop()

	conv := a.orch.NewConversation()
	res, err := a.orch.Send(ctx, orchestrator.Input{
		ConversationID: conv.ID,
		Prompt:         strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		writeAnswer(stdout, res)
	}

	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// writeAnswer prints a turn result for a terminal.
func writeAnswer(w io.Writer, res *orchestrator.Result) {
	switch {
	case res.ImagePrompt != "":
		fmt.Fprintf(w, "Image request waiting for options: %q\n", res.ImagePrompt)
		fmt.Fprintln(w, "Confirm it with POST /v1/images on a running server.")
	case res.Content != "":
		fmt.Fprintln(w, res.Content)
	}
	for i, src := range res.Sources {
		if i == 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Sources:")
		}
		title := src.Title
		if title == "" {
			title = src.URI
		}
		fmt.Fprintf(w, "  [%d] %s <%s>\n", i+1, title, src.URI)
	}
}
