// Package sinks defines the best-effort reporting surface for crawl runs: status
// changes, log lines, metrics and processed pages. Failures here never fail a save.
package sinks

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// StatusUpdate reports a run's lifecycle transition.
type StatusUpdate struct {
	RunID     string
	ScraperID string
	Status    string
	Message   string
	UpdatedAt time.Time
}

// LogEntry is one run-scoped log line.
type LogEntry struct {
	RunID     string
	ScraperID string
	Level     string
	Message   string
	URL       string
	At        time.Time
}

// Metric is one named run measurement.
type Metric struct {
	RunID     string
	ScraperID string
	Name      string
	Value     float64
	At        time.Time
}

// Page summarizes one processed URL.
type Page struct {
	RunID       string
	ScraperID   string
	URL         string
	FilePath    string
	ContentHash string
	ByteSize    int64
	Success     bool
	Error       string
	ProcessedAt time.Time
}

// Repository receives run reporting.
type Repository interface {
	UpdateStatus(ctx context.Context, update StatusUpdate) error
	AddLogEntry(ctx context.Context, entry LogEntry) error
	AddMetric(ctx context.Context, metric Metric) error
	AddPage(ctx context.Context, page Page) error
}

// NoOp discards everything.
type NoOp struct{}

// UpdateStatus implements Repository.
func (NoOp) UpdateStatus(context.Context, StatusUpdate) error { return nil }

// AddLogEntry implements Repository.
func (NoOp) AddLogEntry(context.Context, LogEntry) error { return nil }

// AddMetric implements Repository.
func (NoOp) AddMetric(context.Context, Metric) error { return nil }

// AddPage implements Repository.
func (NoOp) AddPage(context.Context, Page) error { return nil }

// Multi fans every call out to all repositories and combines their errors.
type Multi []Repository

// UpdateStatus implements Repository.
func (m Multi) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	return m.each(func(r Repository) error { return r.UpdateStatus(ctx, update) })
}

// AddLogEntry implements Repository.
func (m Multi) AddLogEntry(ctx context.Context, entry LogEntry) error {
	return m.each(func(r Repository) error { return r.AddLogEntry(ctx, entry) })
}

// AddMetric implements Repository.
func (m Multi) AddMetric(ctx context.Context, metric Metric) error {
	return m.each(func(r Repository) error { return r.AddMetric(ctx, metric) })
}

// AddPage implements Repository.
func (m Multi) AddPage(ctx context.Context, page Page) error {
	return m.each(func(r Repository) error { return r.AddPage(ctx, page) })
}

func (m Multi) each(call func(Repository) error) error {
	var errs error
	for _, repo := range m {
		if repo == nil {
			continue
		}
		errs = multierr.Append(errs, call(repo))
	}
	return errs
}
