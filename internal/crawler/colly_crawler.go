package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/ratelimit"
)

const startedAtKey = "started_at"

// Runner drives a colly collector over the configured seeds and hands every page
// to the extractor, the visit tracker and the content saver.
type Runner struct {
	config    Config
	logger    *zap.Logger
	tracker   VisitTracker
	saver     ContentSaver
	extractor TextExtractor
	blocked   *hostBlocklist
	forbidden *forbiddenTracker
	robots    RobotsPolicy
	limiter   *ratelimit.Limiter
	seeds     map[string]struct{}
}

// NewRunner creates a colly-backed crawler.
func NewRunner(
	config Config,
	logger *zap.Logger,
	tracker VisitTracker,
	saver ContentSaver,
	extractor TextExtractor,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	seeds := make(map[string]struct{}, len(config.Seeds))
	for _, seed := range config.Seeds {
		seeds[canonical(seed)] = struct{}{}
	}
	limiter := ratelimit.New(
		ratelimit.Config{RPS: config.RequestsPerSecond, Burst: config.Burst},
		ratelimit.WithWaitObserver(observeRateLimitDelay),
	)
	return &Runner{
		config:    config,
		logger:    logger.Named("runner"),
		tracker:   tracker,
		saver:     saver,
		extractor: extractor,
		blocked:   newHostBlocklist(config.BlockedDomains),
		forbidden: newForbiddenTracker(config.MaxForbidden),
		robots:    NewRobotsPolicy(config.RespectRobots, config.UserAgent, config.HTTPTimeout, logger),
		limiter:   limiter,
		seeds:     seeds,
	}
}

// Run crawls until the frontier is exhausted or ctx is cancelled, then completes
// the writer run. It returns the cancellation cause, if any.
func (r *Runner) Run(ctx context.Context) (err error) {
	// The saver closes its run on every path, including setup failures.
	defer func() {
		if cerr := r.saver.Complete(context.WithoutCancel(ctx), err); cerr != nil {
			r.logger.Error("failed to complete run", zap.Error(cerr))
		}
	}()

	if err = r.config.Validate(); err != nil {
		return fmt.Errorf("validate crawler config: %w", err)
	}
	if err := r.tracker.BeginRun(ctx, r.config.ScraperID); err != nil {
		r.logger.Warn("failed to mark run start", zap.String("scraper_id", r.config.ScraperID), zap.Error(err))
	}

	collector, err := r.initCollector(ctx)
	if err != nil {
		return err
	}
	for _, seed := range r.config.Seeds {
		if err := collector.Visit(seed); err != nil {
			r.logger.Error("failed to visit seed", zap.String("url", seed), zap.Error(err))
		}
	}
	collector.Wait()
	return ctx.Err()
}

func (r *Runner) initCollector(ctx context.Context) (*colly.Collector, error) {
	options := []colly.CollectorOption{
		colly.MaxDepth(r.config.MaxDepth),
		colly.Async(true),
	}
	if len(r.config.AllowedDomains) > 0 {
		options = append(options, colly.AllowedDomains(r.config.AllowedDomains...))
	}
	if r.config.UserAgent != "" {
		options = append(options, colly.UserAgent(r.config.UserAgent))
	}
	if len(r.config.URLFilters) > 0 {
		options = append(options, colly.URLFilters(r.config.URLFilters...))
	}
	collector := colly.NewCollector(options...)
	collector.AllowURLRevisit = false
	// robots.txt is enforced by the runner so denials are logged and counted.
	collector.IgnoreRobotsTxt = true
	if r.config.HTTPTimeout > 0 {
		collector.SetRequestTimeout(r.config.HTTPTimeout)
	}

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: r.config.Concurrency,
		Delay:       r.config.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(r.handleRequest(ctx))
	collector.OnHTML("a[href]", r.handleLink)
	collector.OnResponse(r.handleResponse(ctx))
	collector.OnError(r.handleError(ctx))
	return collector, nil
}

func (r *Runner) handleRequest(ctx context.Context) func(*colly.Request) {
	return func(req *colly.Request) {
		if ctx.Err() != nil {
			req.Abort()
			return
		}
		host := req.URL.Hostname()
		if r.blocked.Blocked(host) || r.forbidden.IsBlocked(host) {
			r.logger.Debug("skipping blocked host", zap.String("url", req.URL.String()))
			req.Abort()
			return
		}
		url := canonical(req.URL.String())
		if !r.robots.Allowed(ctx, req.URL.String()) {
			TotalRobotsDenied.Inc()
			r.logger.Debug("disallowed by robots.txt", zap.String("url", url))
			req.Abort()
			return
		}
		if _, isSeed := r.seeds[url]; !isSeed && !r.config.RevisitKnown {
			visited, err := r.tracker.HasVisited(ctx, r.config.ScraperID, url)
			if err != nil {
				r.logger.Warn("visited lookup failed", zap.String("url", url), zap.Error(err))
			}
			if visited {
				TotalSkippedVisited.Inc()
				req.Abort()
				return
			}
		}
		if err := r.limiter.Wait(ctx, host); err != nil {
			req.Abort()
			return
		}
		TotalRequests.Inc()
		req.Ctx.Put(startedAtKey, time.Now())
	}
}

func (r *Runner) handleLink(e *colly.HTMLElement) {
	link := e.Request.AbsoluteURL(e.Attr("href"))
	if link == "" {
		return
	}
	if err := e.Request.Visit(link); err != nil {
		r.logger.Debug("failed to visit link", zap.String("url", link), zap.Error(err))
	}
}

func (r *Runner) handleResponse(ctx context.Context) func(*colly.Response) {
	return func(resp *colly.Response) {
		url := canonical(resp.Request.URL.String())
		if err := r.tracker.MarkVisited(ctx, r.config.ScraperID, url, resp.StatusCode, elapsedMs(resp.Ctx)); err != nil {
			r.logger.Warn("failed to mark visited", zap.String("url", url), zap.Error(err))
		}

		contentType := resp.Headers.Get("Content-Type")
		if len(resp.Body) == 0 || !containsLower(contentType, "html") {
			r.logger.Debug("skipping non-html response",
				zap.String("url", url),
				zap.String("content_type", contentType),
			)
			return
		}

		htmlContent := string(resp.Body)
		var blocks []string
		for block := range r.extractor.FromString(ctx, htmlContent) {
			blocks = append(blocks, block)
		}
		if err := r.saver.SaveContent(ctx, url, htmlContent, strings.Join(blocks, "\n\n")); err != nil {
			r.logger.Error("failed to save content", zap.String("url", url), zap.Error(err))
		}
	}
}

func (r *Runner) handleError(ctx context.Context) func(*colly.Response, error) {
	return func(resp *colly.Response, err error) {
		TotalRequestErrors.Inc()
		status := resp.StatusCode
		msg := "request failed"
		switch status {
		case http.StatusTooManyRequests:
			TotalRateLimitHits.Inc()
			msg = "rate limited"
			defer pause(ctx, r.config.RateLimitBackoff)
		case http.StatusForbidden:
			TotalForbiddenHits.Inc()
			msg = "forbidden"
			if host := resp.Request.URL.Hostname(); r.forbidden.MarkForbidden(host) {
				r.logger.Warn("blocking host after repeated forbidden responses",
					zap.String("host", host),
					zap.Int("threshold", r.config.MaxForbidden),
				)
			}
		case 0:
			// Transport failures carry no status; record them as a gateway error so they count.
			status = http.StatusBadGateway
		}
		url := canonical(resp.Request.URL.String())
		r.logger.Warn(msg, zap.String("url", url), zap.Int("status_code", resp.StatusCode), zap.Error(err))
		if markErr := r.tracker.MarkVisited(ctx, r.config.ScraperID, url, status, elapsedMs(resp.Ctx)); markErr != nil {
			r.logger.Warn("failed to mark visited", zap.String("url", url), zap.Error(markErr))
		}
	}
}

func elapsedMs(ctx *colly.Context) int64 {
	if ctx == nil {
		return 0
	}
	started, ok := ctx.GetAny(startedAtKey).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(started).Milliseconds()
}

func canonical(raw string) string {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return raw
	}
	return normalized
}
