package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lizmail/delivery"
	"lizmail/internal/config"
	"lizmail/internal/email"
	"lizmail/internal/logging"
	"lizmail/internal/metrics"
)

// sleep paces the loop. It is deliberately not interruptible; swapped in tests.
var sleep = time.Sleep

// ErrNotRunning is reported by Check before Run starts and after it returns nil.
var ErrNotRunning = errors.New("queue: consumer not running")

// maxTracked bounds the failure counters kept for the dead-letter threshold.
const maxTracked = 10000

// Handler delivers one task.
type Handler func(ctx context.Context, t email.Task) delivery.Outcome

// Consumer drains a Source one message at a time.
type Consumer struct {
	src         Source
	handle      Handler
	queue       string
	pacing      time.Duration
	maxRequeues int
	failures    map[string]int
	log         *zap.Logger

	mu      sync.Mutex
	running bool
	err     error
}

// NewConsumer returns a consumer that passes every decoded task to handle.
func NewConsumer(src Source, handle Handler, queue string, cfg config.WorkerConfig, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		src:         src,
		handle:      handle,
		queue:       queue,
		pacing:      cfg.PacingInterval,
		maxRequeues: cfg.MaxRequeues,
		failures:    make(map[string]int),
		log:         log.Named("consumer").With(zap.String("queue", queue)),
	}
}

// Run receives and resolves messages until ctx is cancelled. Cancellation only
// interrupts the wait for the next message: a received message is always delivered and
// resolved first. Run returns nil on cancellation and an error if the source fails.
func (c *Consumer) Run(ctx context.Context) (err error) {
	c.setState(true, nil)
	defer func() { c.setState(false, err) }()

	c.log.Info("Consumer started", zap.Duration("pacing", c.pacing), zap.Int("max_requeues", c.maxRequeues))
	for {
		if ctx.Err() != nil {
			c.log.Info("Consumer stopping")
			return nil
		}
		d, err := c.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Consumer stopping")
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			return fmt.Errorf("queue: receive: %w", err)
		}

		c.Process(context.WithoutCancel(ctx), d)
		sleep(c.pacing)
	}
}

// Process resolves one delivery: undecodable payloads are dropped, delivered tasks
// acked and failed ones requeued, or dropped once the requeue threshold is exceeded.
func (c *Consumer) Process(ctx context.Context, d Delivery) Resolution {
	log := c.log.With(zap.String("message_id", d.ID()))

	t, err := email.Decode(d.Body())
	if err != nil {
		log.Error("Dropping poison message", zap.Error(err))
		return c.resolve(ctx, log, d, Dropped)
	}
	log = log.With(logging.Recipient(t.To))

	out := c.handle(ctx, t)
	if out.Delivered {
		delete(c.failures, d.ID())
		return c.resolve(ctx, log, d, Acked)
	}

	if c.maxRequeues > 0 {
		n := c.failures[d.ID()] + 1
		if n > c.maxRequeues {
			delete(c.failures, d.ID())
			log.Error("Dropping message after repeated failures",
				zap.Int("failures", n), zap.String("class", string(out.Class)))
			return c.resolve(ctx, log, d, Dropped)
		}
		if len(c.failures) >= maxTracked {
			clear(c.failures)
		}
		c.failures[d.ID()] = n
	}
	log.Warn("Delivery failed; requeueing", zap.String("class", string(out.Class)))
	return c.resolve(ctx, log, d, Requeued)
}

func (c *Consumer) resolve(ctx context.Context, log *zap.Logger, d Delivery, r Resolution) Resolution {
	var err error
	switch r {
	case Acked:
		err = d.Ack(ctx)
	case Requeued:
		err = d.Requeue(ctx)
	case Dropped:
		err = d.Drop(ctx)
	}
	metrics.MessagesResolved.WithLabelValues(c.queue, string(r)).Inc()
	if err != nil {
		log.Error("Failed to resolve message", zap.String("resolution", string(r)), zap.Error(err))
	}
	return r
}

func (c *Consumer) setState(running bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running, c.err = running, err
}

// Check reports nil while Run is receiving, the error Run stopped with, or ErrNotRunning.
func (c *Consumer) Check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.running:
		return nil
	case c.err != nil:
		return c.err
	}
	return ErrNotRunning
}

// Close releases the source.
func (c *Consumer) Close() error {
	return c.src.Close()
}
