package crawler

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Config holds the settings for a crawl session.
// This struct is decoupled from Viper, making the crawler and its configuration
// more modular and easier to test independently.
type Config struct {
	ScraperID      string
	Seeds          []string
	AllowedDomains []string
	BlockedDomains []string
	UserAgent      string
	HTTPTimeout    time.Duration
	MaxDepth       int
	Concurrency    int
	Delay          time.Duration
	URLFilters     []*regexp.Regexp
	// RevisitKnown re-fetches discovered links already in the visited set.
	// Seeds are always fetched so their content can be compared with the last version.
	RevisitKnown bool
	// RespectRobots consults robots.txt before every request.
	RespectRobots bool
	// MaxForbidden blocks a host for the lifetime of the runner after this many 403s. Zero disables it.
	MaxForbidden int
	// RateLimitBackoff pauses the worker that received a 429.
	RateLimitBackoff time.Duration
	// RequestsPerSecond paces requests per host on top of Delay. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Validate rejects configurations the collector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ScraperID == "":
		return errors.New("crawler scraper id is required")
	case len(c.Seeds) == 0:
		return errors.New("crawler requires at least one seed url")
	case c.MaxDepth < 0:
		return errors.New("crawler max depth must be >= 0")
	case c.Concurrency <= 0:
		return errors.New("crawler concurrency must be > 0")
	case c.RequestsPerSecond < 0:
		return errors.New("crawler requests per second must be >= 0")
	case c.MaxForbidden < 0:
		return errors.New("crawler max forbidden must be >= 0")
	}
	return nil
}

// Crawler defines the interface for a web crawler.
type Crawler interface {
	Run(ctx context.Context) error
}
