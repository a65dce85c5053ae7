package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// historyLayout is fixed width so lexical order of history names is chronological.
const historyLayout = "20060102150405.000000000"

const (
	latestSuffix = "_latest" + jsonExt
	// maxCollisionBumps bounds the search for a free history timestamp.
	maxCollisionBumps = 1024
)

func (s *Store) versionPrefix(url string) string {
	return versionsDir + s.digester.Digest(url) + "_"
}

func (s *Store) latestPath(url string) string {
	return versionsDir + s.digester.Digest(url) + latestSuffix
}

func historyPath(prefix string, capturedAt time.Time) string {
	return prefix + capturedAt.UTC().Format(historyLayout) + jsonExt
}

// isHistoryKey reports whether key is a timestamped history record under prefix.
func isHistoryKey(prefix, key string) bool {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, jsonExt) || strings.HasSuffix(key, latestSuffix) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, prefix), jsonExt)
	_, err := time.Parse(historyLayout, stamp)
	return err == nil
}

func (s *Store) historyKeys(ctx context.Context, url string) ([]string, error) {
	prefix := s.versionPrefix(url)
	keys, err := s.provider.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	history := slices.DeleteFunc(keys, func(key string) bool { return !isHistoryKey(prefix, key) })
	slices.Sort(history)
	return history, nil
}

// SaveVersion overwrites the latest record for version.URL, appends a history record
// named after CapturedAt and prunes history beyond maxVersions (DefaultMaxVersions,
// or the store's configured cap, when maxVersions <= 0). A history name that is
// already taken is bumped by one nanosecond until it is free.
func (s *Store) SaveVersion(ctx context.Context, version crawler.ContentVersion, maxVersions int) error {
	ctx, finish := s.startOp(ctx, "SaveVersion", version.URL)
	if version.URL == "" {
		return finish(errors.New("version url is required"))
	}
	if maxVersions <= 0 {
		maxVersions = s.maxVersions
	}
	if version.CapturedAt.IsZero() {
		version.CapturedAt = s.clock.Now()
	}
	stored := s.encodeVersion(version)

	unlock := s.locks.Lock(versionsDir + version.URL)
	defer unlock()

	if err := s.writeJSON(ctx, s.latestPath(version.URL), stored); err != nil {
		return finish(err)
	}

	prefix := s.versionPrefix(version.URL)
	capturedAt := version.CapturedAt
	path := historyPath(prefix, capturedAt)
	for bumps := 0; ; bumps++ {
		taken, err := s.provider.Exists(ctx, path)
		if err != nil {
			return finish(fmt.Errorf("check %s: %w", path, err))
		}
		if !taken {
			break
		}
		if bumps == maxCollisionBumps {
			return finish(fmt.Errorf("no free history slot near %s", version.CapturedAt.Format(time.RFC3339Nano)))
		}
		capturedAt = capturedAt.Add(time.Nanosecond)
		path = historyPath(prefix, capturedAt)
	}
	if err := s.writeJSON(ctx, path, stored); err != nil {
		return finish(err)
	}
	return finish(s.prune(ctx, version.URL, maxVersions))
}

func (s *Store) prune(ctx context.Context, url string, maxVersions int) error {
	keys, err := s.historyKeys(ctx, url)
	if err != nil {
		return err
	}
	if len(keys) <= maxVersions {
		return nil
	}
	var errs error
	pruned := 0
	for _, key := range keys[:len(keys)-maxVersions] {
		if err := s.provider.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		pruned++
	}
	metrics.ObservePrunedVersions(pruned)
	s.logger.Debug("pruned version history", zap.String("url", url), zap.Int("removed", pruned))
	return errs
}

// GetLatestVersion returns the most recently saved version of url, or nil when the URL
// has never been saved.
func (s *Store) GetLatestVersion(ctx context.Context, url string) (*crawler.ContentVersion, error) {
	ctx, finish := s.startOp(ctx, "GetLatestVersion", url)
	var version crawler.ContentVersion
	err := s.readJSON(ctx, s.latestPath(url), &version)
	if errors.Is(err, errNotFound) {
		return nil, finish(nil)
	}
	if err != nil {
		return nil, finish(err)
	}
	decoded := s.decodeVersion(version)
	return &decoded, finish(nil)
}

// GetVersionHistory returns up to maxVersions history records for url, newest first.
// Unreadable records are skipped and reported in the returned error.
func (s *Store) GetVersionHistory(ctx context.Context, url string, maxVersions int) ([]crawler.ContentVersion, error) {
	ctx, finish := s.startOp(ctx, "GetVersionHistory", url)
	if maxVersions <= 0 {
		maxVersions = s.maxVersions
	}
	keys, err := s.historyKeys(ctx, url)
	if err != nil {
		return nil, finish(err)
	}
	slices.Reverse(keys)
	if len(keys) > maxVersions {
		keys = keys[:maxVersions]
	}
	versions := make([]crawler.ContentVersion, 0, len(keys))
	var errs error
	for _, key := range keys {
		var version crawler.ContentVersion
		if err := s.readJSON(ctx, key, &version); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		versions = append(versions, s.decodeVersion(version))
	}
	return versions, finish(errs)
}

func (s *Store) encodeVersion(v crawler.ContentVersion) crawler.ContentVersion {
	if s.compressor.ShouldCompress(v.RawContent) {
		v.RawContent = s.compressor.Compress(v.RawContent)
	}
	if s.compressor.ShouldCompress(v.TextContent) {
		v.TextContent = s.compressor.Compress(v.TextContent)
	}
	return v
}

func (s *Store) decodeVersion(v crawler.ContentVersion) crawler.ContentVersion {
	v.RawContent = s.compressor.Decompress(v.RawContent)
	v.TextContent = s.compressor.Decompress(v.TextContent)
	return v
}
