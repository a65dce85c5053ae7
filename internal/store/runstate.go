package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

func (s *Store) loadState(ctx context.Context, scraperID string) (crawler.RunState, error) {
	var state crawler.RunState
	err := s.readJSON(ctx, s.statePath(scraperID), &state)
	if errors.Is(err, errNotFound) {
		return crawler.NewRunState(scraperID), nil
	}
	if err != nil {
		return crawler.RunState{}, err
	}
	if state.ScraperID == "" {
		state.ScraperID = scraperID
	}
	state.Recount()
	return state, nil
}

// GetRunState returns the persisted state for scraperID, or a fresh New state when
// none exists. When the record cannot be read the returned state has status Error and
// LastError set, alongside a *StorageError.
func (s *Store) GetRunState(ctx context.Context, scraperID string) (crawler.RunState, error) {
	ctx, finish := s.startOp(ctx, "GetRunState", scraperID)
	state, err := s.loadState(ctx, scraperID)
	if err != nil {
		fallback := crawler.NewRunState(scraperID)
		fallback.Status = crawler.RunStatusError
		fallback.LastError = err.Error()
		return fallback, finish(err)
	}
	return state, finish(nil)
}

// SaveRunState overwrites the record for state.ScraperID, recomputing PagesScraped first.
func (s *Store) SaveRunState(ctx context.Context, state crawler.RunState) error {
	ctx, finish := s.startOp(ctx, "SaveRunState", state.ScraperID)
	if state.ScraperID == "" {
		return finish(errors.New("scraper id is required"))
	}
	unlock := s.locks.Lock(stateDir + state.ScraperID)
	defer unlock()
	state.Recount()
	return finish(s.writeJSON(ctx, s.statePath(state.ScraperID), state))
}

// HasVisited reports whether url is in the scraper's visited set.
func (s *Store) HasVisited(ctx context.Context, scraperID, url string) (bool, error) {
	ctx, finish := s.startOp(ctx, "HasVisited", scraperID)
	state, err := s.loadState(ctx, scraperID)
	if err != nil {
		return false, finish(err)
	}
	return state.ProcessedURLs.Has(url), finish(nil)
}

// MarkVisited adds url to the visited set and counts an error for status codes >= 400.
// Calls for the same scraper within one process are serialized.
func (s *Store) MarkVisited(ctx context.Context, scraperID, url string, statusCode int, responseTimeMs int64) error {
	ctx, finish := s.startOp(ctx, "MarkVisited", scraperID)
	return finish(s.mutateState(ctx, scraperID, func(state *crawler.RunState) {
		state.ProcessedURLs.Add(url)
		if statusCode >= http.StatusBadRequest {
			state.ErrorCount++
			state.LastError = fmt.Sprintf("HTTP %d for %s", statusCode, url)
		}
		s.logger.Debug("marked visited",
			zap.String("scraper_id", scraperID),
			zap.String("url", url),
			zap.Int("status_code", statusCode),
			zap.Int64("response_time_ms", responseTimeMs),
		)
	}))
}

// BeginRun moves the scraper to Running and stamps LastRunStart.
func (s *Store) BeginRun(ctx context.Context, scraperID string) error {
	ctx, finish := s.startOp(ctx, "BeginRun", scraperID)
	return finish(s.mutateState(ctx, scraperID, func(state *crawler.RunState) {
		now := s.clock.Now()
		state.Status = crawler.RunStatusRunning
		state.LastRunStart = &now
		state.LastRunEnd = nil
	}))
}

// FinishRun stamps LastRunEnd and records the outcome: Completed with
// LastSuccessfulRun on a nil runErr, Error with LastError otherwise.
func (s *Store) FinishRun(ctx context.Context, scraperID string, runErr error) error {
	ctx, finish := s.startOp(ctx, "FinishRun", scraperID)
	return finish(s.mutateState(ctx, scraperID, func(state *crawler.RunState) {
		now := s.clock.Now()
		state.LastRunEnd = &now
		if runErr != nil {
			state.Status = crawler.RunStatusError
			state.LastError = runErr.Error()
			return
		}
		state.Status = crawler.RunStatusCompleted
		state.LastSuccessfulRun = &now
	}))
}

// mutateState performs a serialized read-modify-write. A record that cannot be read is
// left untouched; one that no longer decodes is rebuilt from the Error-tagged state
// GetRunState reports for it.
func (s *Store) mutateState(ctx context.Context, scraperID string, mutate func(*crawler.RunState)) error {
	if scraperID == "" {
		return errors.New("scraper id is required")
	}
	unlock := s.locks.Lock(stateDir + scraperID)
	defer unlock()

	state, err := s.loadState(ctx, scraperID)
	switch {
	case errors.Is(err, errCorrupt):
		s.logger.Warn("replacing corrupt run state",
			zap.String("scraper_id", scraperID),
			zap.Error(err),
		)
		state = crawler.NewRunState(scraperID)
		state.Status = crawler.RunStatusError
		state.LastError = err.Error()
	case err != nil:
		return err
	}
	mutate(&state)
	state.Recount()
	return s.writeJSON(ctx, s.statePath(scraperID), state)
}
