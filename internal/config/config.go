package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const defaultHostname = "localhost"

// Config is built once at process start and handed to every component constructor.
type Config struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	DKIM    DKIMConfig    `mapstructure:"dkim"`
	Journal JournalConfig `mapstructure:"journal"`
	Spool   SpoolConfig   `mapstructure:"spool"`
	Extract ExtractConfig `mapstructure:"extract"`
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

// SMTPConfig describes the outbound mail server. Port 465 selects implicit TLS,
// any other port a plaintext connection upgraded with STARTTLS.
type SMTPConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	PasswordKeyring bool          `mapstructure:"password_keyring"`
	Hostname        string        `mapstructure:"hostname"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=1"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// IMAPConfig enables archiving sent copies. Archiving is off while Host is empty.
type IMAPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Mailbox  string        `mapstructure:"mailbox" validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	TLS      TLSConfig     `mapstructure:"tls"`
}

// Enabled reports whether sent copies should be appended over IMAP.
func (c IMAPConfig) Enabled() bool {
	return c.Host != ""
}

// TLSConfig holds client-side TLS knobs shared by SMTP, IMAP and the broker.
// Enabled is only honoured for the broker; mail connections always use TLS and
// Load rejects turning it off for them.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Broker backends understood by the queue package.
const (
	BackendAMQP   = "amqp"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
	BackendMemory = "memory"
)

// QueueConfig describes the broker holding pending email tasks.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend" validate:"oneof=amqp redis kafka memory"`
	Host           string        `mapstructure:"host" validate:"required_unless=Backend memory"`
	Port           int           `mapstructure:"port" validate:"gte=0,lt=65536"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	Name           string        `mapstructure:"name" validate:"required"`
	Heartbeat      time.Duration `mapstructure:"heartbeat" validate:"gte=0"`
	BlockedTimeout time.Duration `mapstructure:"blocked_timeout" validate:"gte=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RedisDB        int           `mapstructure:"redis_db" validate:"gte=0"`
	KafkaGroup     string        `mapstructure:"kafka_group"`
	ConsumerName   string        `mapstructure:"consumer_name"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// WorkerConfig tunes the consumer loop and the synchronous fallback path.
type WorkerConfig struct {
	PacingInterval time.Duration `mapstructure:"pacing_interval" validate:"gte=0"`
	// MaxRequeues drops a message after this many failed delivery cycles; 0 requeues forever.
	MaxRequeues int `mapstructure:"max_requeues" validate:"gte=0"`
}

// DKIMConfig enables signing when Selector is set.
type DKIMConfig struct {
	Selector   string `mapstructure:"selector"`
	Domain     string `mapstructure:"domain"`
	KeyPath    string `mapstructure:"key_path"`
	PrivateKey string `mapstructure:"private_key"`
}

// Enabled reports whether any DKIM setting was provided.
func (c DKIMConfig) Enabled() bool {
	return c.Selector != "" || c.KeyPath != "" || c.PrivateKey != "" || c.Domain != ""
}

// JournalConfig points at the SQL database recording delivery outcomes.
type JournalConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn"`
}

// SpoolConfig keeps sent copies on local disk when Dir is set.
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// ExtractConfig tunes address extraction from documents.
type ExtractConfig struct {
	ExcludedDomains []string `mapstructure:"excluded_domains"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// HTTPConfig is the listen address of the health / intake server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// ErrPlaintextMail is returned by Load when smtp.tls.enabled or imap.tls.enabled is false.
var ErrPlaintextMail = errors.New("TLS cannot be disabled for SMTP or IMAP")

// ErrMissingCredentials is returned by RequireCredentials.
var ErrMissingCredentials = errors.New("SMTP credentials not configured; set SMTP_USER and SMTP_PASSWORD")

// RequireCredentials checks the settings needed by commands that talk to the mail server.
func (c *Config) RequireCredentials() error {
	if c.SMTP.User == "" || c.SMTP.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Hostname returns the name used in EHLO when SMTP_HOSTNAME is unset.
// Preference order: system hostname, fallback.
func Hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}

// ConsumerName returns the default per-process consumer identity: the hostname plus
// the process id, so two workers on one host never share a processing list.
func ConsumerName() string {
	return fmt.Sprintf("%s-%d", Hostname(), os.Getpid())
}
