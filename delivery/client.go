package delivery

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lizmail/internal/audit"
	"lizmail/internal/config"
	"lizmail/internal/dkim"
	"lizmail/internal/email"
	"lizmail/internal/logging"
	"lizmail/internal/metrics"
)

const maxBackoff = 30 * time.Second

// wait pauses between attempts. Swapped in tests.
var wait = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Journal records final delivery outcomes.
type Journal interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Client sends email tasks through one authenticated SMTP submission account.
type Client struct {
	cfg      config.SMTPConfig
	dial     dialFunc
	signer   *dkim.Signer
	archiver Archiver
	journal  Journal
	log      *zap.Logger
	now      func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithSigner DKIM-signs every message.
func WithSigner(s *dkim.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithArchiver stores a copy of every delivered message.
func WithArchiver(a Archiver) Option {
	return func(c *Client) {
		if a != nil {
			c.archiver = a
		}
	}
}

// WithJournal records every final outcome.
func WithJournal(j Journal) Option {
	return func(c *Client) { c.journal = j }
}

// New returns a Client for cfg. A nil tlsConf verifies the server against cfg.Host.
func New(cfg config.SMTPConfig, tlsConf *tls.Config, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	if cfg.Hostname == "" {
		cfg.Hostname = config.Hostname()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ep := endpoint{host: cfg.Host, port: cfg.Port, hostname: cfg.Hostname, timeout: cfg.Timeout, tls: tlsConf}
	c := &Client{
		cfg:      cfg,
		dial:     ep.dial,
		archiver: NopArchiver{},
		log:      log.Named("delivery"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers t and reports whether the server accepted it.
func (c *Client) Send(ctx context.Context, t email.Task) bool {
	return c.Deliver(ctx, t).Delivered
}

// Deliver runs one delivery attempt cycle for t. Invalid tasks fail without any network
// I/O. Transient and connect failures are retried on a fresh connection up to MaxRetries
// attempts in total; authentication failures and timeouts end the cycle immediately.
func (c *Client) Deliver(ctx context.Context, t email.Task) Outcome {
	start := time.Now()
	log := c.log.With(logging.Recipient(t.To))

	if err := t.Validate(); err != nil {
		out := Outcome{Class: ClassMalformed, Err: err}
		log.Error("Rejecting malformed email task", zap.String("class", string(out.Class)), zap.Error(err))
		metrics.DeliveryFailures.WithLabelValues(string(out.Class)).Inc()
		c.record(ctx, t, "", out, start)
		return out
	}

	msg, err := compose(t, c.cfg.User, c.now())
	if err != nil {
		out := Outcome{Class: ClassMalformed, Err: err}
		log.Error("Failed to compose message", zap.String("class", string(out.Class)), zap.Error(err))
		metrics.DeliveryFailures.WithLabelValues(string(out.Class)).Inc()
		c.record(ctx, t, "", out, start)
		return out
	}
	data := msg.data
	if signed, err := c.signer.Sign(data, c.cfg.User); err != nil {
		log.Warn("DKIM signing failed; sending unsigned", zap.Error(err))
	} else {
		data = signed
	}

	var out Outcome
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		out.Attempts = attempt
		metrics.DeliveryAttempts.Inc()
		err := c.attempt(ctx, t.To, data)
		out.Class, out.Err = classify(err), err
		if out.Class == ClassNone {
			out.Delivered = true
			break
		}
		metrics.DeliveryFailures.WithLabelValues(string(out.Class)).Inc()
		log.Warn("SMTP attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxRetries),
			zap.String("class", string(out.Class)),
			zap.Error(err))
		if !out.Class.Retryable() || attempt == c.cfg.MaxRetries {
			break
		}
		if err := wait(ctx, backoff(c.cfg.RetryBackoff, attempt)); err != nil {
			out.Class, out.Err = ClassTimeout, err
			break
		}
	}

	if out.Delivered {
		metrics.MessagesDelivered.Inc()
		log.Info("Email delivered",
			zap.String("message_id", msg.id),
			zap.Int("attempts", out.Attempts),
			zap.Duration("elapsed", time.Since(start)))
		c.archive(ctx, msg.id, t.To, data)
	} else {
		log.Error("Email delivery failed",
			zap.String("class", string(out.Class)),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err))
	}
	c.record(ctx, t, msg.id, out, start)
	return out
}

// TestConnection connects and authenticates without sending anything.
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	s, err := c.dial(ctx)
	if err != nil {
		c.log.Error("SMTP connection test failed",
			zap.String("class", string(classify(failAt(stageDial, err)))), zap.Error(err))
		return false
	}
	defer s.Close()
	if err := s.Auth(c.cfg.User, c.cfg.Password); err != nil {
		c.log.Error("SMTP connection test failed",
			zap.String("class", string(classify(failAt(stageAuth, err)))), zap.Error(err))
		return false
	}
	_ = s.Quit()
	c.log.Info("SMTP connection test succeeded", zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port))
	return true
}

func (c *Client) attempt(ctx context.Context, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	s, err := c.dial(ctx)
	if err != nil {
		return failAt(stageDial, err)
	}
	defer s.Close()

	if err := s.Auth(c.cfg.User, c.cfg.Password); err != nil {
		return failAt(stageAuth, err)
	}
	if err := s.Send(c.cfg.User, to, msg); err != nil {
		return failAt(stageSend, err)
	}
	// The message is accepted once DATA completes; a failed QUIT does not undo that.
	_ = s.Quit()
	return nil
}

func (c *Client) archive(ctx context.Context, id string, to string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ArchiveFailures.WithLabelValues(c.archiver.Name()).Inc()
			c.log.Error("Archiver panicked", zap.String("archiver", c.archiver.Name()), zap.Any("panic", r))
		}
	}()
	if err := c.archiver.Archive(ctx, id, to, data); err != nil {
		metrics.ArchiveFailures.WithLabelValues(c.archiver.Name()).Inc()
		c.log.Warn("Failed to archive sent copy", zap.String("archiver", c.archiver.Name()), zap.Error(err))
	}
}

func (c *Client) record(ctx context.Context, t email.Task, messageID string, out Outcome, start time.Time) {
	if c.journal == nil {
		return
	}
	entry := audit.Entry{
		ID:           uuid.NewString(),
		MessageID:    messageID,
		Recipient:    t.To,
		Subject:      t.Subject,
		TemplateType: string(t.TemplateType),
		Status:       audit.StatusFailed,
		ErrorClass:   string(out.Class),
		Attempts:     out.Attempts,
		DurationMS:   time.Since(start).Milliseconds(),
		CreatedAt:    c.now().UTC(),
	}
	if out.Delivered {
		entry.Status = audit.StatusDelivered
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		metrics.JournalFailures.Inc()
		c.log.Warn("Failed to journal delivery", zap.Error(err))
	}
}

// backoff doubles base per attempt and caps the result.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 16 {
		return maxBackoff
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
