// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// RunStatus represents the lifecycle state of a scraper's run state record.
type RunStatus string

// Run status values persisted in the run state record.
const (
	RunStatusNew       RunStatus = "New"
	RunStatusRunning   RunStatus = "Running"
	RunStatusCompleted RunStatus = "Completed"
	RunStatusError     RunStatus = "Error"
)

// URLSet is the visited-URL membership set. It is stored as a sorted JSON array.
type URLSet map[string]struct{}

// Add inserts url and reports whether it was not already present.
func (s URLSet) Add(url string) bool {
	if _, ok := s[url]; ok {
		return false
	}
	s[url] = struct{}{}
	return true
}

// Has reports membership.
func (s URLSet) Has(url string) bool {
	_, ok := s[url]
	return ok
}

// Sorted returns the members in lexical order.
func (s URLSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for url := range s {
		out = append(out, url)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s URLSet) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(s.Sorted())
	if err != nil {
		return nil, fmt.Errorf("marshal url set: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes an array into the set, dropping duplicates.
func (s *URLSet) UnmarshalJSON(data []byte) error {
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return fmt.Errorf("unmarshal url set: %w", err)
	}
	set := make(URLSet, len(urls))
	for _, url := range urls {
		set[url] = struct{}{}
	}
	*s = set
	return nil
}

// RunState is the durable per-scraper record of what has been crawled.
type RunState struct {
	ScraperID         string     `json:"scraperId"`
	Status            RunStatus  `json:"status"`
	LastRunStart      *time.Time `json:"lastRunStart,omitempty"`
	LastRunEnd        *time.Time `json:"lastRunEnd,omitempty"`
	LastSuccessfulRun *time.Time `json:"lastSuccessfulRun,omitempty"`
	PagesScraped      int        `json:"pagesScraped"`
	ErrorCount        int        `json:"errorCount"`
	LastError         string     `json:"lastError,omitempty"`
	ProcessedURLs     URLSet     `json:"processedUrls"`
}

// NewRunState returns the state used for a scraper that has never been persisted.
func NewRunState(scraperID string) RunState {
	return RunState{
		ScraperID:     scraperID,
		Status:        RunStatusNew,
		ProcessedURLs: URLSet{},
	}
}

// Recount restores the PagesScraped == len(ProcessedURLs) invariant.
func (s *RunState) Recount() {
	if s.ProcessedURLs == nil {
		s.ProcessedURLs = URLSet{}
	}
	s.PagesScraped = len(s.ProcessedURLs)
}

// ContentVersion is one captured snapshot of a URL's content.
type ContentVersion struct {
	URL         string         `json:"url"`
	ContentHash string         `json:"contentHash"`
	CapturedAt  time.Time      `json:"capturedAt"`
	RawContent  string         `json:"rawContent"`
	TextContent string         `json:"textContent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ProcessedURLInfo records the outcome of persisting one page during a run.
type ProcessedURLInfo struct {
	URL         string    `json:"url"`
	ProcessedAt time.Time `json:"processedAt"`
	DurationMs  int64     `json:"durationMs"`
	Success     bool      `json:"success"`
	ByteSize    int64     `json:"byteSize"`
	Error       string    `json:"error,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
}

// HistoryStatus is the lifecycle state of a run-history artifact.
type HistoryStatus string

// Run history statuses.
const (
	HistoryRunning   HistoryStatus = "running"
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
)

// RunMetrics are the totals flushed when a run finishes.
type RunMetrics struct {
	TotalProcessed  int    `json:"totalProcessed"`
	Succeeded       int    `json:"succeeded"`
	Failed          int    `json:"failed"`
	BytesWritten    int64  `json:"bytesWritten"`
	PeakMemoryBytes uint64 `json:"peakMemoryBytes"`
}

// RunHistory is the per-run log of every page outcome.
type RunHistory struct {
	RunID      string             `json:"runId"`
	ScraperID  string             `json:"scraperId"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Status     HistoryStatus      `json:"status"`
	Message    string             `json:"message,omitempty"`
	Processed  []ProcessedURLInfo `json:"processed"`
	Metrics    RunMetrics         `json:"metrics"`
}
