package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsPolicyAllowAll(t *testing.T) {
	policy := NewRobotsPolicy(false, "test-agent", time.Second, zap.NewNop())
	assert.True(t, policy.Allowed(context.Background(), "https://example.com/whatever"))
}

func TestRobotsPolicyEnforcesAndCaches(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	policy := NewRobotsPolicy(true, "test-agent", time.Second, zap.NewNop())
	assert.True(t, policy.Allowed(ctx, srv.URL+"/allowed"))
	assert.False(t, policy.Allowed(ctx, srv.URL+"/blocked/rule"))
	require.EqualValues(t, 1, fetches.Load(), "robots.txt should be fetched once per host")
}

func TestRobotsPolicyFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	policy := NewRobotsPolicy(true, "test-agent", time.Second, zap.NewNop())
	assert.True(t, policy.Allowed(context.Background(), srv.URL+"/page"))
	assert.False(t, policy.Allowed(context.Background(), "://bad"))
}
