package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"lizmail/internal/config"
	"lizmail/storage"
)

// Archiver stores a copy of a message after it was accepted by the SMTP server.
// Implementations are best effort; errors are logged by the caller and otherwise ignored.
type Archiver interface {
	Archive(ctx context.Context, id string, to string, message []byte) error
	Name() string
}

// NopArchiver discards sent copies.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, string, string, []byte) error { return nil }
func (NopArchiver) Name() string                                           { return "none" }

// SpoolArchiver writes sent copies to the local spool.
type SpoolArchiver struct {
	Spool *storage.Spool
}

func (a SpoolArchiver) Archive(_ context.Context, id string, to string, message []byte) error {
	_, err := a.Spool.Save(id, to, message)
	return err
}

func (SpoolArchiver) Name() string { return "spool" }

// IMAPArchiver appends sent copies to a mailbox (usually "Sent") with the \Seen flag.
type IMAPArchiver struct {
	addr     string
	user     string
	password string
	mailbox  string
	timeout  time.Duration
	tls      *tls.Config
}

// NewIMAPArchiver builds an archiver from cfg. tlsConf is used for the implicit TLS
// connection.
func NewIMAPArchiver(cfg config.IMAPConfig, tlsConf *tls.Config) *IMAPArchiver {
	return &IMAPArchiver{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		user:     cfg.User,
		password: cfg.Password,
		mailbox:  cfg.Mailbox,
		timeout:  cfg.Timeout,
		tls:      tlsConf,
	}
}

func (a *IMAPArchiver) Name() string { return "imap" }

func (a *IMAPArchiver) Archive(ctx context.Context, _ string, _ string, message []byte) error {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: a.timeout}, Config: a.tls}
	conn, err := dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("imap: connect %s: %w", a.addr, err)
	}
	client := imapclient.New(conn, nil)
	defer client.Close()

	// Bound the whole session; imapclient commands do not take a context.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()
	timer := time.AfterFunc(a.timeout, func() { client.Close() })
	defer timer.Stop()

	if err := client.Login(a.user, a.password).Wait(); err != nil {
		return fmt.Errorf("imap: login: %w", err)
	}
	defer func() { _ = client.Logout().Wait() }()

	cmd := client.Append(a.mailbox, int64(len(message)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  time.Now(),
	})
	if _, err := cmd.Write(message); err != nil {
		return fmt.Errorf("imap: append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap: append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("imap: append: %w", err)
	}
	return nil
}
