package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"lizmail/internal/config"
)

// ErrNoCertificates is returned when a CA file holds no usable PEM certificates.
var ErrNoCertificates = errors.New("tlsconfig: no certificates found in CA file")

// Client builds the client-side TLS configuration used for SMTP, IMAP and broker
// connections. serverName is verified against the peer certificate unless
// InsecureSkipVerify is set.
func Client(cfg config.TLSConfig, serverName string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.CAFile == "" {
		return conf, nil
	}

	data, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrNoCertificates
	}
	conf.RootCAs = pool
	return conf, nil
}

// ForBroker returns nil when broker TLS is disabled.
func ForBroker(cfg config.TLSConfig, serverName string) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return Client(cfg, serverName)
}
