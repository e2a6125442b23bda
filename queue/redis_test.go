package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lizmail/internal/config"
)

func redisConfig(t *testing.T, s *miniredis.Miniredis) config.QueueConfig {
	t.Helper()
	port, err := strconv.Atoi(s.Port())
	require.NoError(t, err)
	return config.QueueConfig{
		Backend:      config.BackendRedis,
		Host:         s.Host(),
		Port:         port,
		Name:         "email_queue",
		ConsumerName: "worker-1",
		Timeout:      2 * time.Second,
	}
}

func TestRedisPublishReceiveAck(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	ctx := context.Background()

	pub, err := OpenPublisher(ctx, cfg, nil)
	require.NoError(t, err)
	defer pub.Close()
	src, err := OpenSource(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, pub.Publish(ctx, Message{ID: "1", Body: []byte("first")}))
	require.NoError(t, pub.Publish(ctx, Message{ID: "2", Body: []byte("second")}))

	d, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(d.Body()))
	assert.Equal(t, contentID([]byte("first")), d.ID())

	processing, err := s.List("email_queue:processing:worker-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, processing)

	require.NoError(t, d.Ack(ctx))
	assert.False(t, s.Exists("email_queue:processing:worker-1"))

	pending, err := s.List("email_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, pending)
}

func TestRedisRequeueMovesToBack(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	ctx := context.Background()

	pub, err := OpenPublisher(ctx, cfg, nil)
	require.NoError(t, err)
	defer pub.Close()
	src, err := OpenSource(ctx, cfg, nil)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, pub.Publish(ctx, Message{Body: []byte("a")}))
	require.NoError(t, pub.Publish(ctx, Message{Body: []byte("b")}))

	d, err := src.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", string(d.Body()))
	require.NoError(t, d.Requeue(ctx))
	assert.False(t, s.Exists("email_queue:processing:worker-1"))

	next, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(next.Body()))
	require.NoError(t, next.Drop(ctx))

	last, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(last.Body()))
	require.NoError(t, last.Ack(ctx))
	assert.False(t, s.Exists("email_queue"))
}

func TestRedisSourceRecoversProcessingList(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	s.Lpush("email_queue:processing:worker-1", "orphan")

	src, err := OpenSource(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, s.Exists("email_queue:processing:worker-1"))
	pending, err := s.List("email_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, pending)
}

func TestRedisSourceLeavesOtherConsumersAlone(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	s.Lpush("email_queue:processing:worker-2", "in-flight")

	src, err := OpenSource(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer src.Close()

	held, err := s.List("email_queue:processing:worker-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"in-flight"}, held)
	assert.False(t, s.Exists("email_queue"))
}

func TestRedisSourceDefaultConsumerName(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	cfg.ConsumerName = ""
	s.Lpush("email_queue:processing:"+config.ConsumerName(), "orphan")
	s.Lpush("email_queue:processing:"+config.Hostname(), "sibling")

	src, err := OpenSource(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer src.Close()

	pending, err := s.List("email_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, pending)
	assert.True(t, s.Exists("email_queue:processing:"+config.Hostname()))
}

func TestRedisReceiveCancelled(t *testing.T) {
	s := miniredis.RunT(t)
	src, err := OpenSource(context.Background(), redisConfig(t, s), nil)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisPublishAfterClose(t *testing.T) {
	s := miniredis.RunT(t)
	pub, err := OpenPublisher(context.Background(), redisConfig(t, s), nil)
	require.NoError(t, err)
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish(context.Background(), Message{Body: []byte("x")}), ErrClosed)
}

func TestRedisUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	s.Close()

	_, err := OpenPublisher(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRedisConsumerEndToEnd(t *testing.T) {
	noPacing(t)
	s := miniredis.RunT(t)
	cfg := redisConfig(t, s)
	ctx := context.Background()

	pub, err := OpenPublisher(ctx, cfg, nil)
	require.NoError(t, err)
	p := NewProducer(pub, cfg.Name, nil)
	defer p.Close()
	require.True(t, p.Enqueue(ctx, task("dev@corp.io")))

	src, err := OpenSource(ctx, cfg, nil)
	require.NoError(t, err)
	c := NewConsumer(src, always(true), cfg.Name, config.WorkerConfig{}, nil)
	defer c.Close()

	d, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Acked, c.Process(ctx, d))
	assert.False(t, s.Exists("email_queue"))
	assert.False(t, s.Exists("email_queue:processing:worker-1"))
}
