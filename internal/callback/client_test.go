package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	"domainwatch/internal/ratelimit"
)

type capturedPost struct {
	path string
	body map[string]any
}

// callbackFixture records posts and lets tests script status codes per
// request.
type callbackFixture struct {
	mu     sync.Mutex
	posts  []capturedPost
	status []int
	client *Client
}

func newFixture(t *testing.T, status ...int) *callbackFixture {
	t.Helper()
	f := &callbackFixture{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		f.mu.Lock()
		f.posts = append(f.posts, capturedPost{path: r.URL.Path, body: body})
		code := http.StatusOK
		if len(f.status) > 0 {
			code = f.status[0]
			f.status = f.status[1:]
		}
		f.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		CallbackURL:          srv.URL + "/check",
		AvailableCallbackURL: srv.URL + "/available",
		AuthToken:            "secret",
		APITimeout:           5 * time.Second,
		APIMaxRetries:        3,
		APIRetryBackoff:      5 * time.Millisecond,
		Rates:                config.Rates{DNS: 600, HTTP: 600, RDAP: 600, WHOIS: 600, ListAPI: 600, Callback: 6000},
	}
	limiter := ratelimit.New(cfg.Rates, slog.New(slog.DiscardHandler))
	f.client = New(cfg, limiter, metrics.New(), slog.New(slog.DiscardHandler))
	return f
}

func (f *callbackFixture) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *callbackFixture) post(i int) capturedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[i]
}

func sampleResult() domain.CheckResult {
	return domain.CheckResult{
		Kind:       domain.KindWHOIS,
		Outcome:    domain.OutcomeUnregistered,
		Details:    map[string]any{"reason": "not_found"},
		StartedAt:  time.Unix(1647854321, 123000000),
		DurationMS: 1250,
	}
}

func TestPostCheckPayload(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.PostCheck(context.Background(), "example.com", sampleResult()))

	require.Equal(t, 1, f.postCount())
	post := f.post(0)
	assert.Equal(t, "/check", post.path)
	assert.Equal(t, "example.com", post.body["domain"])
	assert.Equal(t, "whois", post.body["check_type"])
	assert.Equal(t, "available", post.body["result"])
	assert.InDelta(t, 1647854321.123, post.body["timestamp"].(float64), 0.001)
	assert.EqualValues(t, 1250, post.body["duration_ms"])
}

func TestPostAvailabilityPayload(t *testing.T) {
	f := newFixture(t)
	verdict := domain.Verdict{
		Status:       domain.StatusConfirmedAvailable,
		Confidence:   0.95,
		Contributing: []domain.CheckResult{sampleResult()},
	}

	require.NoError(t, f.client.PostAvailability(context.Background(), "example.com", verdict, time.Unix(1647854321, 0)))

	require.Equal(t, 1, f.postCount())
	post := f.post(0)
	assert.Equal(t, "/available", post.path)
	assert.Equal(t, "available", post.body["status"])
	assert.InDelta(t, 0.95, post.body["confidence"].(float64), 0.001)
	checks := post.body["checks"].(map[string]any)
	assert.Contains(t, checks, "whois")
}

func TestTransientErrorsRetry(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusOK)

	require.NoError(t, f.client.PostCheck(context.Background(), "example.com", sampleResult()))
	assert.Equal(t, 3, f.postCount())
}

// Client errors other than 429 are dropped without retries.
func TestClientErrorDropsWithoutRetry(t *testing.T) {
	f := newFixture(t, http.StatusUnprocessableEntity)

	err := f.client.PostCheck(context.Background(), "example.com", sampleResult())
	require.Error(t, err)
	assert.Equal(t, domain.KindProtocol, domain.KindOf(err))
	assert.Equal(t, 1, f.postCount())
	assert.False(t, f.client.Paused())
}

// An auth rejection pauses every further post.
func TestAuthRejectionPausesPosting(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	err := f.client.PostCheck(context.Background(), "example.com", sampleResult())
	require.Error(t, err)
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))
	assert.True(t, f.client.Paused())

	// Nothing further reaches the wire.
	err = f.client.PostCheck(context.Background(), "example.com", sampleResult())
	require.Error(t, err)
	assert.Equal(t, 1, f.postCount())
}

// An availability event that exhausts its retries is parked and delivered
// after the next successful per-check post.
func TestFailedAvailabilityRequeued(t *testing.T) {
	f := newFixture(t,
		http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, // availability attempts
	)
	verdict := domain.Verdict{Status: domain.StatusConfirmedAvailable, Confidence: 0.95}

	err := f.client.PostAvailability(context.Background(), "example.com", verdict, time.Now())
	require.Error(t, err)
	require.Equal(t, 3, f.postCount())

	// The next per-check post succeeds and drags the parked event along.
	require.NoError(t, f.client.PostCheck(context.Background(), "example.com", sampleResult()))
	require.Equal(t, 5, f.postCount())
	assert.Equal(t, "/check", f.post(3).path)
	assert.Equal(t, "/available", f.post(4).path)
	assert.Equal(t, "example.com", f.post(4).body["domain"])
}
