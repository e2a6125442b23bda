// Package audit keeps a SQL journal of delivery outcomes.
package audit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"lizmail/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	sqlx.BindDriver("pgx", sqlx.DOLLAR)
}

// Entry is one journal row.
type Entry struct {
	ID           string    `db:"id" json:"id"`
	MessageID    string    `db:"message_id" json:"message_id"`
	Recipient    string    `db:"recipient" json:"recipient"`
	Subject      string    `db:"subject" json:"subject"`
	TemplateType string    `db:"template_type" json:"template_type"`
	Status       string    `db:"status" json:"status"`
	ErrorClass   string    `db:"error_class" json:"error_class,omitempty"`
	Error        string    `db:"error" json:"error,omitempty"`
	Attempts     int       `db:"attempts" json:"attempts"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Journal writes entries to the configured database.
type Journal struct {
	db *sqlx.DB
}

var drivers = map[string]struct {
	name    string
	dialect goose.Dialect
}{
	"sqlite":   {name: "sqlite", dialect: goose.DialectSQLite3},
	"postgres": {name: "pgx", dialect: goose.DialectPostgres},
}

// Open connects to the journal database and applies pending migrations.
// It returns nil, nil when no DSN is configured.
func Open(ctx context.Context, cfg config.JournalConfig) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	drv, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("audit: unsupported driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(drv.name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if drv.name == "sqlite" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	if err := migrate(ctx, db, drv.dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func migrate(ctx context.Context, db *sqlx.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("audit: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Record inserts e. A nil Journal discards entries.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO deliveries
		(id, message_id, recipient, subject, template_type, status, error_class, error, attempts, duration_ms, created_at)
		VALUES (:id, :message_id, :recipient, :subject, :template_type, :status, :error_class, :error, :attempts, :duration_ms, :created_at)`
	if _, err := j.db.NamedExecContext(ctx, q, e); err != nil {
		return fmt.Errorf("audit: record %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	var entries []Entry
	q := j.db.Rebind(`SELECT id, message_id, recipient, subject, template_type, status, error_class, error,
		attempts, duration_ms, created_at FROM deliveries ORDER BY created_at DESC, id DESC LIMIT ?`)
	if err := j.db.SelectContext(ctx, &entries, q, limit); err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return entries, nil
}

// Counts returns the number of entries per status.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	if j == nil {
		return counts, nil
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := j.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM deliveries GROUP BY status`); err != nil {
		return nil, fmt.Errorf("audit: counts: %w", err)
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil {
		return nil
	}
	return j.db.PingContext(ctx)
}
