package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lizmail/internal/config"
	"lizmail/internal/email"
	"lizmail/internal/logging"
	"lizmail/internal/metrics"
)

// encode is swapped in tests.
var encode = email.Encode

// Producer publishes email tasks to one queue.
type Producer struct {
	pub   Publisher
	queue string
	log   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewProducer wraps an open publisher.
func NewProducer(pub Publisher, queue string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{pub: pub, queue: queue, log: log.Named("producer").With(zap.String("queue", queue))}
}

// Dial connects to the configured broker and declares the queue.
func Dial(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (*Producer, error) {
	pub, err := OpenPublisher(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewProducer(pub, cfg.Name, log), nil
}

// Enqueue validates, encodes and publishes t as a persistent message. It reports
// whether the broker accepted the message; failures are logged, never returned.
func (p *Producer) Enqueue(ctx context.Context, t email.Task) bool {
	if p == nil || p.pub == nil {
		return false
	}
	log := p.log.With(logging.Recipient(t.To))

	if err := t.Validate(); err != nil {
		metrics.EnqueueFailures.WithLabelValues(p.queue, "invalid").Inc()
		log.Error("Refusing to enqueue invalid task", zap.Error(err))
		return false
	}
	body, err := encode(t)
	if err != nil {
		metrics.EnqueueFailures.WithLabelValues(p.queue, "encode").Inc()
		log.Error("Failed to encode task", zap.Error(err))
		return false
	}

	msg := Message{
		ID:          uuid.NewString(),
		Body:        body,
		ContentType: email.ContentType,
		Persistent:  true,
	}
	if err := p.pub.Publish(ctx, msg); err != nil {
		metrics.EnqueueFailures.WithLabelValues(p.queue, "publish").Inc()
		log.Error("Failed to publish task", zap.String("message_id", msg.ID), zap.Error(err))
		return false
	}
	metrics.MessagesQueued.WithLabelValues(p.queue).Inc()
	log.Debug("Task enqueued", zap.String("message_id", msg.ID))
	return true
}

// EnqueueBulk enqueues every task in order. A failing task does not stop the rest.
func (p *Producer) EnqueueBulk(ctx context.Context, tasks []email.Task) email.BulkStats {
	var stats email.BulkStats
	for _, t := range tasks {
		stats.Add(p.Enqueue(ctx, t))
	}
	if p != nil {
		p.log.Info("Bulk enqueue finished",
			zap.Int("success", stats.Success),
			zap.Int("failed", stats.Failed))
	}
	return stats
}

// Close releases the broker connection. It is safe to call more than once and on a
// nil Producer.
func (p *Producer) Close() error {
	if p == nil || p.pub == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.closeErr = p.pub.Close()
	})
	return p.closeErr
}
