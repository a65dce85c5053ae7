package crawler

import (
	"context"
	"iter"
	"time"
)

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes content-change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// VisitTracker is the slice of the versioned store the crawl loop needs.
type VisitTracker interface {
	HasVisited(ctx context.Context, scraperID, url string) (bool, error)
	MarkVisited(ctx context.Context, scraperID, url string, statusCode int, responseTimeMs int64) error
	BeginRun(ctx context.Context, scraperID string) error
}

// ContentSaver persists extracted pages and finalizes the run.
type ContentSaver interface {
	SaveContent(ctx context.Context, url, htmlContent, textContent string) error
	Complete(ctx context.Context, runErr error) error
}

// TextExtractor turns HTML into readable text blocks.
type TextExtractor interface {
	FromString(ctx context.Context, html string) iter.Seq[string]
}
