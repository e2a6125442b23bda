package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// implicitTLSPort selects TLS-from-the-first-byte instead of STARTTLS.
var implicitTLSPort = 465

// errNoStartTLS is returned when a submission server on a non-465 port does not offer STARTTLS.
var errNoStartTLS = errors.New("server does not advertise STARTTLS")

// session is one authenticated-or-not SMTP connection.
type session interface {
	Auth(user, password string) error
	Send(from, to string, msg []byte) error
	Quit() error
	Close() error
}

// dialFunc opens a session. It is a field on Client so tests can replace the network.
type dialFunc func(ctx context.Context) (session, error)

type endpoint struct {
	host     string
	port     int
	hostname string
	timeout  time.Duration
	tls      *tls.Config
}

// dial connects to the server and completes the TLS layer: implicit TLS on port 465,
// plaintext plus mandatory STARTTLS on any other port. The connection deadline covers
// the whole attempt.
func (e endpoint) dial(ctx context.Context) (session, error) {
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	dialer := &net.Dialer{Timeout: e.timeout}

	var (
		conn net.Conn
		err  error
	)
	if e.port == implicitTLSPort {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: e.tls}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new client: %w", err)
	}
	if err := client.Hello(e.hostname); err != nil {
		client.Close()
		return nil, fmt.Errorf("ehlo: %w", err)
	}

	if e.port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, errNoStartTLS
		}
		if err := client.StartTLS(e.tls); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return &smtpSession{client: client, host: e.host}, nil
}

type smtpSession struct {
	client *smtp.Client
	host   string
}

func (s *smtpSession) Auth(user, password string) error {
	if user == "" {
		return nil
	}
	return s.client.Auth(smtp.PlainAuth("", user, password, s.host))
}

func (s *smtpSession) Send(from, to string, msg []byte) error {
	if err := s.client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := s.client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

func (s *smtpSession) Quit() error {
	return s.client.Quit()
}

func (s *smtpSession) Close() error {
	return s.client.Close()
}
