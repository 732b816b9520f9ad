package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the Postgres audit sink.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the connection settings.
func (c PostgresConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("audit database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("audit ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("audit max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("audit max idle conns must be between 0 and max open conns")
	}
	return nil
}

// DefaultPostgresConfig returns pool settings for the given URL.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

const schema = `CREATE TABLE IF NOT EXISTS legacyguard_audit (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	action      TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	integrity   TEXT NOT NULL
)`

// Postgres writes entries to the legacyguard_audit table.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects, pings and ensures the audit table exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	p := NewPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// EnsureSchema creates the audit table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// LogEvent implements Sink.
func (p *Postgres) LogEvent(ctx context.Context, action string, severity Severity, message string, metadata map[string]any) error {
	e, err := newEntry(action, severity, message, metadata, p.now())
	if err != nil {
		return err
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	payload, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO legacyguard_audit (occurred_at, action, severity, message, metadata, integrity)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Timestamp, e.Action, string(e.Severity), e.Message, payload, e.Integrity,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query implements Querier. Results are newest first.
func (p *Postgres) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("occurred_at <= $%d", filter.Until.UTC())
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.OrchestrationID != "" {
		add("metadata->>'orchestrationId' = $%d", filter.OrchestrationID)
	}

	query := `SELECT id, occurred_at, action, severity, message, metadata, integrity FROM legacyguard_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			id       int64
			severity string
			metadata []byte
		)
		if err := rows.Scan(&id, &e.Timestamp, &e.Action, &severity, &e.Message, &metadata, &e.Integrity); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ID = fmt.Sprintf("%d", id)
		e.Severity = Severity(severity)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
