package news

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsPolicyRespectOff(t *testing.T) {
	t.Parallel()

	policy := NewRobotsPolicy(false, "test-agent", zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), "https://example.com/whatever"))
}

func TestRobotsPolicyEnforces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := NewRobotsPolicy(true, "test-agent", zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), srv.URL+"/allowed"))
	require.False(t, policy.Allowed(context.Background(), srv.URL+"/blocked"))
}

func TestRobotsPolicyCachesPerHost(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
		}
	}))
	defer srv.Close()

	policy := NewRobotsPolicy(true, "test-agent", zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), srv.URL+"/a"))
	require.True(t, policy.Allowed(context.Background(), srv.URL+"/b"))
	require.False(t, policy.Allowed(context.Background(), srv.URL+"/blocked"))
	require.Equal(t, int32(1), robotsHits.Load())
}

func TestRobotsPolicyUnreachableAllows(t *testing.T) {
	t.Parallel()

	policy := NewRobotsPolicy(true, "test-agent", zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), "http://127.0.0.1:1/path"))
}
