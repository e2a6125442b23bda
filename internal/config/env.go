package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// legacyEnv maps config keys to additional environment names accepted for compatibility
// with existing deployments.
var legacyEnv = map[string][]string{
	"smtp.max_retries": {"MAX_RETRIES"},
	"queue.host":       {"RABBITMQ_HOST"},
	"queue.port":       {"RABBITMQ_PORT"},
	"queue.user":       {"RABBITMQ_USER"},
	"queue.password":   {"RABBITMQ_PASSWORD"},
	"queue.name":       {"RABBITMQ_QUEUE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.password_keyring", false)
	v.SetDefault("smtp.hostname", Hostname())
	v.SetDefault("smtp.max_retries", 3)
	v.SetDefault("smtp.timeout", 10*time.Second)
	v.SetDefault("smtp.retry_backoff", time.Duration(0))
	v.SetDefault("smtp.tls.enabled", true)
	v.SetDefault("smtp.tls.ca_file", "")
	v.SetDefault("smtp.tls.insecure_skip_verify", false)

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.user", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.mailbox", "Sent")
	v.SetDefault("imap.timeout", 10*time.Second)
	v.SetDefault("imap.tls.enabled", true)
	v.SetDefault("imap.tls.ca_file", "")
	v.SetDefault("imap.tls.insecure_skip_verify", false)

	v.SetDefault("queue.backend", BackendAMQP)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 0)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.name", "email_queue")
	v.SetDefault("queue.heartbeat", 600*time.Second)
	v.SetDefault("queue.blocked_timeout", 300*time.Second)
	v.SetDefault("queue.timeout", 10*time.Second)
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.kafka_group", "lizmail-workers")
	v.SetDefault("queue.consumer_name", ConsumerName())
	v.SetDefault("queue.tls.enabled", false)
	v.SetDefault("queue.tls.ca_file", "")
	v.SetDefault("queue.tls.insecure_skip_verify", false)

	v.SetDefault("worker.pacing_interval", 2*time.Second)
	v.SetDefault("worker.max_requeues", 0)

	v.SetDefault("dkim.selector", "")
	v.SetDefault("dkim.domain", "")
	v.SetDefault("dkim.key_path", "")
	v.SetDefault("dkim.private_key", "")

	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.dsn", "")

	v.SetDefault("spool.dir", "")

	v.SetDefault("extract.excluded_domains", []string{"example.com", "test.com", "domain.com"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("http.addr", ":8080")
}

var validate = validator.New()

// Load reads an optional .env file, then the environment (SMTP_HOST for smtp.host and so
// on) and an optional file named by LIZMAIL_CONFIG, and returns a validated Config.
func Load() (*Config, error) {
	// A missing .env file is not an error; the process environment still applies.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range legacyEnv {
		names := append([]string{strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path := os.Getenv("LIZMAIL_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := applyProcessingDelay(&cfg); err != nil {
		return nil, err
	}
	cfg.Extract.ExcludedDomains = List(strings.Join(cfg.Extract.ExcludedDomains, ","))
	if cfg.Queue.Port == 0 {
		cfg.Queue.Port = defaultBrokerPort(cfg.Queue.Backend)
	}
	if cfg.IMAP.User == "" {
		cfg.IMAP.User = cfg.SMTP.User
	}

	if err := resolvePassword(&cfg); err != nil {
		return nil, err
	}
	if cfg.IMAP.Password == "" {
		cfg.IMAP.Password = cfg.SMTP.Password
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !cfg.SMTP.TLS.Enabled || !cfg.IMAP.TLS.Enabled {
		return nil, fmt.Errorf("config: %w", ErrPlaintextMail)
	}
	return &cfg, nil
}

// applyProcessingDelay honours PROCESSING_DELAY, expressed in (fractional) seconds, when
// WORKER_PACING_INTERVAL is not set.
func applyProcessingDelay(cfg *Config) error {
	raw := strings.TrimSpace(os.Getenv("PROCESSING_DELAY"))
	if raw == "" || os.Getenv("WORKER_PACING_INTERVAL") != "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return fmt.Errorf("config: PROCESSING_DELAY must be a non-negative number of seconds, got %q", raw)
	}
	cfg.Worker.PacingInterval = time.Duration(seconds * float64(time.Second))
	return nil
}

func defaultBrokerPort(backend string) int {
	switch backend {
	case BackendRedis:
		return 6379
	case BackendKafka:
		return 9092
	case BackendAMQP:
		return 5672
	}
	return 0
}

// List splits a comma separated value into trimmed, lower-cased, non-empty entries.
func List(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// IsValidationError reports whether err came from struct validation.
func IsValidationError(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs)
}

// SetBackend switches the broker backend. A port left at the old backend's default
// follows the switch.
func (c *QueueConfig) SetBackend(backend string) {
	if c.Port == defaultBrokerPort(c.Backend) {
		c.Port = defaultBrokerPort(backend)
	}
	c.Backend = backend
}
