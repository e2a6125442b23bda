// Package batch sends a fixed list of tasks in-process, without a broker.
package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lizmail/internal/email"
	"lizmail/internal/logging"
)

// pause waits between sends; swapped in tests.
var pause = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sender delivers one task. *delivery.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, t email.Task) bool
}

// Progress is reported after every attempted task. Index is 1-based.
type Progress struct {
	Index     int
	Total     int
	To        string
	Delivered bool
}

// Result counts the outcome of a run. Skipped tasks were never attempted.
type Result struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Runner walks a task list in order.
type Runner struct {
	sender Sender
	pacing time.Duration
	log    *zap.Logger
}

// NewRunner returns a Runner that waits pacing between consecutive sends.
func NewRunner(s Sender, pacing time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{sender: s, pacing: pacing, log: log.Named("batch")}
}

// Run sends every task once. observe, when non-nil, is called after each attempt.
// Cancelling ctx stops the run before the next task; the remainder count as skipped.
func (r *Runner) Run(ctx context.Context, tasks []email.Task, observe func(Progress)) Result {
	var res Result
	total := len(tasks)
	for i, t := range tasks {
		if i > 0 {
			if err := pause(ctx, r.pacing); err != nil {
				res.Skipped = total - i
				break
			}
		} else if ctx.Err() != nil {
			res.Skipped = total
			break
		}

		ok := r.sender.Send(ctx, t)
		if ok {
			res.Sent++
		} else {
			res.Failed++
		}
		r.log.Info("Batch progress",
			zap.Int("index", i+1),
			zap.Int("total", total),
			logging.Recipient(t.To),
			zap.Bool("delivered", ok))
		if observe != nil {
			observe(Progress{Index: i + 1, Total: total, To: t.To, Delivered: ok})
		}
	}
	r.log.Info("Batch finished", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("skipped", res.Skipped))
	return res
}
