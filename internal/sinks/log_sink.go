package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes run reporting to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging under the "sink" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("sink")}
}

// UpdateStatus implements Repository.
func (s *LogSink) UpdateStatus(_ context.Context, update StatusUpdate) error {
	s.logger.Info("run status",
		zap.String("run_id", update.RunID),
		zap.String("scraper_id", update.ScraperID),
		zap.String("status", update.Status),
		zap.String("message", update.Message),
	)
	return nil
}

// AddLogEntry implements Repository. Unknown levels log at info.
func (s *LogSink) AddLogEntry(_ context.Context, entry LogEntry) error {
	level, err := zapcore.ParseLevel(entry.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if ce := s.logger.Check(level, entry.Message); ce != nil {
		ce.Write(
			zap.String("run_id", entry.RunID),
			zap.String("scraper_id", entry.ScraperID),
			zap.String("url", entry.URL),
		)
	}
	return nil
}

// AddMetric implements Repository.
func (s *LogSink) AddMetric(_ context.Context, metric Metric) error {
	s.logger.Debug("run metric",
		zap.String("run_id", metric.RunID),
		zap.String("name", metric.Name),
		zap.Float64("value", metric.Value),
	)
	return nil
}

// AddPage implements Repository.
func (s *LogSink) AddPage(_ context.Context, page Page) error {
	s.logger.Debug("page processed",
		zap.String("run_id", page.RunID),
		zap.String("url", page.URL),
		zap.String("path", page.FilePath),
		zap.Bool("success", page.Success),
		zap.Int64("bytes", page.ByteSize),
	)
	return nil
}
