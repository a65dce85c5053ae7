// Package crawler drives the regwatch crawl loop. A colly collector walks the
// configured seeds, filters hosts through the blocklist, robots.txt and the
// per-host rate limiter, and hands every HTML response to the text extractor and
// the content saver. Visit bookkeeping goes through the VisitTracker so links a
// previous run already processed are skipped.
package crawler
