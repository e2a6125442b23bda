package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lizmail/internal/config"
	"lizmail/tlsconfig"
)

// redisPoll bounds each blocking pop so cancellation is noticed between polls.
var redisPoll = time.Second

func newRedisClient(cfg config.QueueConfig) (*redis.Client, error) {
	tlsConf, err := tlsconfig.ForBroker(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Username:     cfg.User,
		Password:     cfg.Password,
		DB:           cfg.RedisDB,
		TLSConfig:    tlsConf,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}), nil
}

func pingRedis(ctx context.Context, rdb *redis.Client, cfg config.QueueConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("queue: connect to redis %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return nil
}

// redisPublisher pushes payloads onto the head of a list; consumers pop from the tail.
type redisPublisher struct {
	rdb   *redis.Client
	queue string
	once  sync.Once
}

func newRedisPublisher(ctx context.Context, cfg config.QueueConfig) (*redisPublisher, error) {
	rdb, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := pingRedis(ctx, rdb, cfg); err != nil {
		return nil, err
	}
	return &redisPublisher{rdb: rdb, queue: cfg.Name}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.rdb.LPush(ctx, p.queue, msg.Body).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("queue: lpush %s: %w", p.queue, err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	var err error
	p.once.Do(func() { err = p.rdb.Close() })
	return err
}

// redisSource moves each received payload into a per-consumer processing list, where
// it stays until acked, requeued or dropped.
type redisSource struct {
	rdb        *redis.Client
	queue      string
	processing string
	log        *zap.Logger
	once       sync.Once
}

func processingList(queue, consumer string) string {
	return queue + ":processing:" + consumer
}

func newRedisSource(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (*redisSource, error) {
	rdb, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := pingRedis(ctx, rdb, cfg); err != nil {
		return nil, err
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = config.ConsumerName()
	}
	s := &redisSource{
		rdb:        rdb,
		queue:      cfg.Name,
		processing: processingList(cfg.Name, consumer),
		log:        log,
	}
	if err := s.recover(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return s, nil
}

// recover returns messages left in the processing list by a previous run to the queue.
func (s *redisSource) recover(ctx context.Context) error {
	moved := 0
	for {
		err := s.rdb.RPopLPush(ctx, s.processing, s.queue).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("queue: recover %s: %w", s.processing, err)
		}
		moved++
	}
	if moved > 0 {
		s.log.Warn("Recovered unacknowledged messages", zap.Int("count", moved), zap.String("list", s.processing))
	}
	return nil
}

func (s *redisSource) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := s.rdb.BRPopLPush(ctx, s.queue, s.processing, redisPoll).Bytes()
		switch {
		case err == nil:
			return &redisDelivery{src: s, body: body}, nil
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, redis.ErrClosed):
			return nil, ErrClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("queue: brpoplpush %s: %w", s.queue, err)
		}
	}
}

func (s *redisSource) Close() error {
	var err error
	s.once.Do(func() { err = s.rdb.Close() })
	return err
}

type redisDelivery struct {
	src  *redisSource
	body []byte
}

func (d *redisDelivery) ID() string   { return contentID(d.body) }
func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.remove(ctx)
}

func (d *redisDelivery) Drop(ctx context.Context) error {
	return d.remove(ctx)
}

func (d *redisDelivery) remove(ctx context.Context) error {
	if err := d.src.rdb.LRem(ctx, d.src.processing, 1, d.body).Err(); err != nil {
		return fmt.Errorf("queue: lrem %s: %w", d.src.processing, err)
	}
	return nil
}

// Requeue puts the payload back at the far end of the queue.
func (d *redisDelivery) Requeue(ctx context.Context) error {
	_, err := d.src.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.src.processing, 1, d.body)
		pipe.LPush(ctx, d.src.queue, d.body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: requeue to %s: %w", d.src.queue, err)
	}
	return nil
}
