package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"

	"lizmail/internal/config"
	"lizmail/tlsconfig"
)

const (
	headerMessageID   = "message-id"
	headerContentType = "content-type"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func kafkaAddr(cfg config.QueueConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func newKafkaWriter(cfg config.QueueConfig) (*kafka.Writer, error) {
	tlsConf, err := tlsconfig.ForBroker(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(kafkaAddr(cfg)),
		Topic:                  cfg.Name,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.Timeout,
		ReadTimeout:            cfg.Timeout,
		Transport: &kafka.Transport{
			DialTimeout: cfg.Timeout,
			TLS:         tlsConf,
		},
	}, nil
}

func kafkaDialer(cfg config.QueueConfig) (*kafka.Dialer, error) {
	tlsConf, err := tlsconfig.ForBroker(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{Timeout: cfg.Timeout, DualStack: true, TLS: tlsConf}, nil
}

// declareKafkaTopic connects to the cluster and creates the topic on the controller
// when it does not exist yet.
func declareKafkaTopic(ctx context.Context, cfg config.QueueConfig) error {
	d, err := kafkaDialer(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", kafkaAddr(cfg))
	if err != nil {
		return fmt.Errorf("queue: connect to kafka %s: %w", kafkaAddr(cfg), err)
	}
	defer conn.Close()
	if _, err := conn.ReadPartitions(cfg.Name); err == nil {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("queue: kafka controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("queue: connect to kafka controller: %w", err)
	}
	defer cc.Close()
	err = cc.CreateTopics(kafka.TopicConfig{Topic: cfg.Name, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("queue: create kafka topic %s: %w", cfg.Name, err)
	}
	return nil
}

type kafkaPublisher struct {
	w    kafkaWriter
	once sync.Once
}

func (p *kafkaPublisher) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Key:   []byte(msg.ID),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(msg.ID)},
			{Key: headerContentType, Value: []byte(msg.ContentType)},
		},
	}
	if err := p.w.WriteMessages(ctx, km); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("queue: kafka write: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	var err error
	p.once.Do(func() { err = p.w.Close() })
	return err
}

func newKafkaSource(cfg config.QueueConfig) (*kafkaSource, error) {
	w, err := newKafkaWriter(cfg)
	if err != nil {
		return nil, err
	}
	d, err := kafkaDialer(cfg)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{kafkaAddr(cfg)},
		GroupID:  cfg.KafkaGroup,
		Topic:    cfg.Name,
		Dialer:   d,
		MaxBytes: 10e6,
	})
	return &kafkaSource{r: r, w: w}, nil
}

// kafkaSource reads through a consumer group. Offsets are committed only after a
// message is resolved; a requeue writes the message to the end of the topic first.
type kafkaSource struct {
	r    kafkaReader
	w    kafkaWriter
	once sync.Once
}

func (s *kafkaSource) Receive(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("queue: kafka fetch: %w", err)
	}
	return &kafkaDelivery{src: s, m: m}, nil
}

func (s *kafkaSource) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.r.Close(), s.w.Close())
	})
	return err
}

type kafkaDelivery struct {
	src *kafkaSource
	m   kafka.Message
}

func (d *kafkaDelivery) ID() string {
	for _, h := range d.m.Headers {
		if h.Key == headerMessageID && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return contentID(d.m.Value)
}

func (d *kafkaDelivery) Body() []byte { return d.m.Value }

func (d *kafkaDelivery) Ack(ctx context.Context) error  { return d.commit(ctx) }
func (d *kafkaDelivery) Drop(ctx context.Context) error { return d.commit(ctx) }

func (d *kafkaDelivery) Requeue(ctx context.Context) error {
	again := kafka.Message{
		Key:     d.m.Key,
		Value:   d.m.Value,
		Headers: d.m.Headers,
	}
	if err := d.src.w.WriteMessages(ctx, again); err != nil {
		return fmt.Errorf("queue: kafka requeue: %w", err)
	}
	return d.commit(ctx)
}

func (d *kafkaDelivery) commit(ctx context.Context) error {
	if err := d.src.r.CommitMessages(ctx, d.m); err != nil {
		return fmt.Errorf("queue: kafka commit: %w", err)
	}
	return nil
}
