package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Canceler stops the running turn. It reports whether a turn was
// running.
type Canceler interface {
	Cancel() bool
}

// Command actions accepted on the command topic.
const (
	CommandCancel = "cancel"
)

// parseCommand accepts either a bare action ("cancel") or a JSON object
// with an action field. Unknown or malformed payloads return "".
func parseCommand(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var cmd struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return ""
		}
		text = cmd.Action
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case CommandCancel:
		return CommandCancel
	default:
		return ""
	}
}

// commandRateLimiter drops inbound commands above limit per interval.
// It uses atomic counters so the receive path never takes a lock.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// logs how many commands were dropped in the window.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *commandRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
