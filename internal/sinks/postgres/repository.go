// Package postgres provides a Postgres-backed sinks.Repository.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/regwatch/internal/sinks"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Repository writes run reporting into the scraper_status, scraper_logs,
// scraper_metrics and scraped_pages tables.
type Repository struct {
	pool   execCloser
	prefix string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo, err := NewWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewWithPool constructs a repository from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, prefix string) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix != "" && !validTableName.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Repository{pool: pool, prefix: prefix}, nil
}

// Close closes the underlying pool.
func (r *Repository) Close() {
	r.pool.Close()
}

func (r *Repository) table(name string) string {
	return r.prefix + name
}

// UpdateStatus upserts the latest status row for the run.
func (r *Repository) UpdateStatus(ctx context.Context, update sinks.StatusUpdate) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, scraper_id, status, message, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, message = EXCLUDED.message, updated_at = EXCLUDED.updated_at;
	`, r.table("scraper_status"))
	if _, err := r.pool.Exec(ctx, query, update.RunID, update.ScraperID, update.Status, update.Message, update.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update scraper status: %w", err)
	}
	return nil
}

// AddLogEntry appends a log row.
func (r *Repository) AddLogEntry(ctx context.Context, entry sinks.LogEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, scraper_id, level, message, url, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`, r.table("scraper_logs"))
	if _, err := r.pool.Exec(ctx, query, entry.RunID, entry.ScraperID, entry.Level, entry.Message, entry.URL, entry.At); err != nil {
		return fmt.Errorf("failed to insert scraper log: %w", err)
	}
	return nil
}

// AddMetric appends a metric row.
func (r *Repository) AddMetric(ctx context.Context, metric sinks.Metric) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, scraper_id, name, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5);
	`, r.table("scraper_metrics"))
	if _, err := r.pool.Exec(ctx, query, metric.RunID, metric.ScraperID, metric.Name, metric.Value, metric.At); err != nil {
		return fmt.Errorf("failed to insert scraper metric: %w", err)
	}
	return nil
}

// AddPage appends a processed-page row.
func (r *Repository) AddPage(ctx context.Context, page sinks.Page) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, scraper_id, url, file_path, content_hash, byte_size, success, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`, r.table("scraped_pages"))
	_, err := r.pool.Exec(ctx, query,
		page.RunID,
		page.ScraperID,
		page.URL,
		page.FilePath,
		page.ContentHash,
		page.ByteSize,
		page.Success,
		nullable(page.Error),
		page.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scraped page: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
