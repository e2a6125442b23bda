package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lizmail/internal/config"
)

// sharedMemory is a handle on a registered in-process queue; closing the handle leaves
// the queue open for the other side of the process.
type sharedMemory struct {
	*Memory
}

func (sharedMemory) Close() error { return nil }

// OpenPublisher connects to the configured backend and declares the queue.
func OpenPublisher(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendAMQP, "":
		p, err := newAMQPPublisher(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendRedis:
		p, err := newRedisPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendKafka:
		if err := declareKafkaTopic(ctx, cfg); err != nil {
			return nil, err
		}
		w, err := newKafkaWriter(cfg)
		if err != nil {
			return nil, err
		}
		return &kafkaPublisher{w: w}, nil
	case config.BackendMemory:
		return sharedMemory{MemoryBroker(cfg.Name)}, nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}

// OpenSource connects a consumer to the configured backend.
func OpenSource(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("backend", cfg.Backend), zap.String("queue", cfg.Name))
	switch cfg.Backend {
	case config.BackendAMQP, "":
		return newAMQPSource(ctx, cfg, log)
	case config.BackendRedis:
		s, err := newRedisSource(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendKafka:
		if err := declareKafkaTopic(ctx, cfg); err != nil {
			return nil, err
		}
		s, err := newKafkaSource(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return MemoryBroker(cfg.Name).Source(), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}
