package crawler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// forbiddenTracker counts 403 responses per host and blocks a host once it
// reaches the threshold. A nil tracker never blocks.
type forbiddenTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newForbiddenTracker(threshold int) *forbiddenTracker {
	if threshold <= 0 {
		return nil
	}
	return &forbiddenTracker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *forbiddenTracker) IsBlocked(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden records a 403 for host and reports whether this call blocked it.
func (b *forbiddenTracker) MarkForbidden(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return false
	}
	b.counts[key]++
	if b.counts[key] < b.threshold {
		return false
	}
	b.blocked[key] = struct{}{}
	return true
}

// pause sleeps for delay or until ctx is done.
func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
