package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"lizmail/internal/config"
	"lizmail/tlsconfig"
)

var errNacked = errors.New("queue: broker rejected publish")

// amqpURL builds the connection URL; amqps is selected when TLS is enabled.
func amqpURL(cfg config.QueueConfig) string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    cfg.VHost,
	}
	if cfg.TLS.Enabled {
		uri.Scheme = "amqps"
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

// amqpSession owns one connection and one channel on which the queue is declared.
type amqpSession struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	closeOnce sync.Once
	closeErr  error
}

func dialAMQP(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (*amqpSession, error) {
	tlsConf, err := tlsconfig.ForBroker(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(amqpURL(cfg), amqp.Config{
		Heartbeat:       cfg.Heartbeat,
		TLSClientConfig: tlsConf,
		Dial:            amqp.DefaultDial(cfg.Timeout),
		Locale:          "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("queue: connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.BlockedTimeout > 0 {
		blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
		go watchBlocked(blocked, cfg.BlockedTimeout, conn.Close, log)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	// durable, not auto-deleted, not exclusive
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: declare %q: %w", cfg.Name, err)
	}
	return &amqpSession{conn: conn, ch: ch, queue: cfg.Name}, nil
}

// watchBlocked closes the connection once the broker has blocked it for longer than
// timeout. It returns when blocked is closed.
func watchBlocked(blocked <-chan amqp.Blocking, timeout time.Duration, closeConn func() error, log *zap.Logger) {
	var timer *time.Timer
	for b := range blocked {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if !b.Active {
			log.Info("Broker connection unblocked")
			continue
		}
		log.Warn("Broker connection blocked", zap.String("reason", b.Reason), zap.Duration("timeout", timeout))
		timer = time.AfterFunc(timeout, func() {
			log.Error("Broker connection blocked too long; closing")
			closeConn()
		})
	}
	if timer != nil {
		timer.Stop()
	}
}

func (s *amqpSession) Close() error {
	s.closeOnce.Do(func() {
		if s.ch != nil {
			s.ch.Close()
		}
		if s.conn != nil && !s.conn.IsClosed() {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

type amqpPublisher struct {
	*amqpSession
	timeout time.Duration
	mu      sync.Mutex
}

func newAMQPPublisher(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (*amqpPublisher, error) {
	s, err := dialAMQP(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := s.ch.Confirm(false); err != nil {
		s.Close()
		return nil, fmt.Errorf("queue: enable publisher confirms: %w", err)
	}
	return &amqpPublisher{amqpSession: s, timeout: cfg.Timeout}, nil
}

// Publish returns once the broker has confirmed the message.
func (p *amqpPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, publishing(msg))
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: wait for confirm: %w", err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

func publishing(msg Message) amqp.Publishing {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	}
}

func newAMQPSource(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (Source, error) {
	s, err := dialAMQP(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := s.ch.Qos(1, 0, false); err != nil {
		s.Close()
		return nil, fmt.Errorf("queue: set prefetch: %w", err)
	}
	deliveries, err := s.ch.Consume(cfg.Name, cfg.ConsumerName, false, false, false, false, nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("queue: consume %q: %w", cfg.Name, err)
	}
	return &amqpSource{deliveries: deliveries, closer: s.Close}, nil
}

type amqpSource struct {
	deliveries <-chan amqp.Delivery
	closer     func() error
}

func (s *amqpSource) Receive(ctx context.Context) (Delivery, error) {
	// A prefetched delivery would win the select half of the time after cancellation.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return amqpDelivery{d: d}, nil
	}
}

// Close releases the connection; unacknowledged messages return to the queue.
func (s *amqpSource) Close() error {
	return s.closer()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d amqpDelivery) ID() string {
	if d.d.MessageId != "" {
		return d.d.MessageId
	}
	return contentID(d.d.Body)
}

func (d amqpDelivery) Body() []byte                  { return d.d.Body }
func (d amqpDelivery) Ack(context.Context) error     { return d.d.Ack(false) }
func (d amqpDelivery) Requeue(context.Context) error { return d.d.Nack(false, true) }
func (d amqpDelivery) Drop(context.Context) error    { return d.d.Nack(false, false) }
