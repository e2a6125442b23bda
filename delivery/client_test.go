package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lizmail/internal/audit"
	"lizmail/internal/config"
	"lizmail/internal/dkim"
	"lizmail/internal/email"
	"lizmail/internal/metrics"
)

// fakeTransport scripts session behaviour per attempt (1-based).
type fakeTransport struct {
	dials    int
	dialErr  func(n int) error
	authErr  error
	sendErr  func(n int) error
	messages [][]byte
}

func (f *fakeTransport) dial(context.Context) (session, error) {
	f.dials++
	if f.dialErr != nil {
		if err := f.dialErr(f.dials); err != nil {
			return nil, err
		}
	}
	return &fakeSession{f: f, n: f.dials}, nil
}

type fakeSession struct {
	f *fakeTransport
	n int
}

func (s *fakeSession) Auth(string, string) error { return s.f.authErr }

func (s *fakeSession) Send(_, _ string, msg []byte) error {
	if s.f.sendErr != nil {
		if err := s.f.sendErr(s.n); err != nil {
			return err
		}
	}
	s.f.messages = append(s.f.messages, msg)
	return nil
}

func (s *fakeSession) Quit() error  { return nil }
func (s *fakeSession) Close() error { return nil }

func newFakeClient(f *fakeTransport, retries int, opts ...Option) *Client {
	cfg := config.SMTPConfig{
		Host:       "smtp.test",
		Port:       587,
		User:       "hr@corp.io",
		Password:   "pw",
		MaxRetries: retries,
		Timeout:    time.Second,
	}
	c := New(cfg, nil, zap.NewNop(), opts...)
	c.dial = f.dial
	return c
}

var validTask = email.Task{To: "dev@corp.io", Subject: "Hello", Body: "Hi there"}

func transientErr() error {
	return &textproto.Error{Code: 451, Msg: "4.3.0 try again later"}
}

func TestDeliverRejectsMalformedWithoutIO(t *testing.T) {
	for _, task := range []email.Task{
		{Subject: "s", Body: "b"},
		{To: "a@corp.io", Body: "b"},
		{To: "a@corp.io", Subject: "s"},
	} {
		f := &fakeTransport{}
		c := newFakeClient(f, 3)
		out := c.Deliver(context.Background(), task)
		assert.False(t, out.Delivered)
		assert.Equal(t, ClassMalformed, out.Class)
		assert.ErrorIs(t, out.Err, email.ErrInvalidTask)
		assert.Zero(t, out.Attempts)
		assert.Zero(t, f.dials, "no network attempt for %+v", task)
	}
}

func TestDeliverRetryBound(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("always failing, %d retries", n), func(t *testing.T) {
			f := &fakeTransport{sendErr: func(int) error { return transientErr() }}
			before := testutil.ToFloat64(metrics.DeliveryAttempts)
			out := newFakeClient(f, n).Deliver(context.Background(), validTask)
			assert.Equal(t, float64(n), testutil.ToFloat64(metrics.DeliveryAttempts)-before)
			assert.False(t, out.Delivered)
			assert.Equal(t, ClassTransient, out.Class)
			assert.Equal(t, n, f.dials)
			assert.Equal(t, n, out.Attempts)
		})
	}

	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("succeeds on attempt %d", k), func(t *testing.T) {
			f := &fakeTransport{sendErr: func(n int) error {
				if n < k {
					return transientErr()
				}
				return nil
			}}
			out := newFakeClient(f, 3).Deliver(context.Background(), validTask)
			assert.True(t, out.Delivered)
			assert.Equal(t, ClassNone, out.Class)
			assert.Equal(t, k, f.dials)
			assert.Len(t, f.messages, 1)
		})
	}
}

func TestDeliverConnectErrorsAreRetried(t *testing.T) {
	f := &fakeTransport{dialErr: func(n int) error {
		if n == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	out := newFakeClient(f, 3).Deliver(context.Background(), validTask)
	assert.True(t, out.Delivered)
	assert.Equal(t, 2, out.Attempts)
}

func TestDeliverTimeoutShortCircuits(t *testing.T) {
	timeouts := map[string]error{
		"deadline exceeded": fmt.Errorf("dial: %w", context.DeadlineExceeded),
		"io timeout":        fmt.Errorf("read: %w", os.ErrDeadlineExceeded),
	}
	for name, terr := range timeouts {
		t.Run(name, func(t *testing.T) {
			f := &fakeTransport{dialErr: func(int) error { return terr }}
			out := newFakeClient(f, 5).Deliver(context.Background(), validTask)
			assert.False(t, out.Delivered)
			assert.Equal(t, ClassTimeout, out.Class)
			assert.Equal(t, 1, f.dials)
		})
	}
}

func TestDeliverAuthFailureIsFatal(t *testing.T) {
	f := &fakeTransport{authErr: &textproto.Error{Code: 535, Msg: "5.7.8 bad credentials"}}
	out := newFakeClient(f, 3).Deliver(context.Background(), validTask)
	assert.False(t, out.Delivered)
	assert.Equal(t, ClassAuth, out.Class)
	assert.Equal(t, 1, f.dials)
}

func TestDeliverBackoffDoubles(t *testing.T) {
	var waits []time.Duration
	old := wait
	wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	t.Cleanup(func() { wait = old })

	f := &fakeTransport{sendErr: func(int) error { return transientErr() }}
	c := newFakeClient(f, 4)
	c.cfg.RetryBackoff = time.Second
	c.Deliver(context.Background(), validTask)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits)
}

func TestBackoffCap(t *testing.T) {
	assert.Zero(t, backoff(0, 3))
	assert.Equal(t, 20*time.Second, backoff(10*time.Second, 2))
	assert.Equal(t, maxBackoff, backoff(10*time.Second, 3))
	assert.Equal(t, maxBackoff, backoff(time.Second, 60))
}

type recordingArchiver struct {
	ids   []string
	err   error
	panic bool
}

func (a *recordingArchiver) Name() string { return "recording" }

func (a *recordingArchiver) Archive(_ context.Context, id, _ string, _ []byte) error {
	if a.panic {
		panic("archive exploded")
	}
	a.ids = append(a.ids, id)
	return a.err
}

func TestArchiverFailureNeverFlipsOutcome(t *testing.T) {
	for name, a := range map[string]*recordingArchiver{
		"ok":    {},
		"error": {err: errors.New("imap down")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeTransport{}
			out := newFakeClient(f, 3, WithArchiver(a)).Deliver(context.Background(), validTask)
			assert.True(t, out.Delivered)
			assert.Equal(t, 1, f.dials)
		})
	}
}

func TestArchiverSkippedOnFailure(t *testing.T) {
	a := &recordingArchiver{}
	f := &fakeTransport{sendErr: func(int) error { return transientErr() }}
	newFakeClient(f, 2, WithArchiver(a)).Deliver(context.Background(), validTask)
	assert.Empty(t, a.ids)
}

func TestDeliverRecordsJournal(t *testing.T) {
	journal, err := audit.Open(context.Background(), config.JournalConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ok := newFakeClient(&fakeTransport{}, 3, WithJournal(journal))
	ok.now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	require.True(t, ok.Send(context.Background(), validTask))

	bad := newFakeClient(&fakeTransport{authErr: errors.New("535 nope")}, 3, WithJournal(journal))
	bad.now = func() time.Time { return time.Date(2024, 1, 1, 9, 1, 0, 0, time.UTC) }
	require.False(t, bad.Send(context.Background(), validTask))

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.StatusFailed, entries[0].Status)
	assert.Equal(t, string(ClassAuth), entries[0].ErrorClass)
	assert.Equal(t, audit.StatusDelivered, entries[1].Status)
	assert.NotEmpty(t, entries[1].MessageID)
	assert.Equal(t, "dev@corp.io", entries[1].Recipient)
}

type brokenJournal struct{}

func (brokenJournal) Record(context.Context, audit.Entry) error { return errors.New("disk full") }

func TestJournalFailureNeverFlipsOutcome(t *testing.T) {
	before := testutil.ToFloat64(metrics.JournalFailures)
	ok := newFakeClient(&fakeTransport{}, 1, WithJournal(brokenJournal{})).Send(context.Background(), validTask)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JournalFailures)-before)
}

func TestDeliverSignsWhenConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := dkim.NewSigner(config.DKIMConfig{Selector: "s1", PrivateKey: string(keyPEM)})
	require.NoError(t, err)

	f := &fakeTransport{}
	require.True(t, newFakeClient(f, 1, WithSigner(signer)).Send(context.Background(), validTask))
	require.Len(t, f.messages, 1)
	assert.True(t, strings.HasPrefix(string(f.messages[0]), "DKIM-Signature:"))
	assert.Contains(t, string(f.messages[0]), "d=corp.io")

	unsigned := &fakeTransport{}
	require.True(t, newFakeClient(unsigned, 1).Send(context.Background(), validTask))
	assert.NotContains(t, string(unsigned.messages[0]), "DKIM-Signature")
}
