// Package callback posts per-check results and availability events to the
// external callback API.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	"domainwatch/internal/ratelimit"
)

// Client posts JSON documents to the callback API with bearer auth.
// Transient failures retry with exponential backoff; an auth rejection
// pauses all posting for the rest of this client's life. Nothing clears
// the pause; a new client (a service restart) starts unpaused.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	http    *http.Client

	callbackURL  string
	availableURL string
	token        string
	maxRetries   uint64
	backoffBase  time.Duration

	paused atomic.Bool

	// Availability events that exhausted their retries are parked here and
	// retried after the next successful per-check post for that domain.
	mu      sync.Mutex
	pending map[string]availabilityEvent
}

type availabilityEvent struct {
	Domain     string         `json:"domain"`
	Status     string         `json:"status"`
	Confidence float64        `json:"confidence"`
	Timestamp  float64        `json:"timestamp"`
	Checks     map[string]any `json:"checks"`
}

type checkEvent struct {
	Domain     string         `json:"domain"`
	CheckType  string         `json:"check_type"`
	Result     string         `json:"result"`
	Timestamp  float64        `json:"timestamp"`
	Details    map[string]any `json:"details"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// New builds the client from configuration.
func New(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		logger:       logger,
		metrics:      m,
		limiter:      limiter,
		http:         &http.Client{Timeout: cfg.APITimeout},
		callbackURL:  cfg.CallbackURL,
		availableURL: cfg.AvailableCallbackURL,
		token:        cfg.AuthToken,
		maxRetries:   uint64(cfg.APIMaxRetries),
		backoffBase:  cfg.APIRetryBackoff,
		pending:      make(map[string]availabilityEvent),
	}
}

// Paused reports whether posting is suspended after an auth rejection.
func (c *Client) Paused() bool {
	return c.paused.Load()
}

// PostCheck posts one completed check result. On success any parked
// availability event for the same domain is retried.
func (c *Client) PostCheck(ctx context.Context, name string, res domain.CheckResult) error {
	event := checkEvent{
		Domain:     name,
		CheckType:  res.Kind.String(),
		Result:     res.Outcome.WireResult(),
		Timestamp:  wireTime(res.StartedAt),
		Details:    res.Details,
		DurationMS: res.DurationMS,
		Error:      res.Error,
	}
	if err := c.post(ctx, "per_check", c.callbackURL, event); err != nil {
		return err
	}
	c.flushPending(ctx, name)
	return nil
}

// PostAvailability posts an availability transition. On permanent failure
// the event is parked for the domain's next per-check emission.
func (c *Client) PostAvailability(ctx context.Context, name string, verdict domain.Verdict, at time.Time) error {
	checks := make(map[string]any, len(verdict.Contributing))
	for _, res := range verdict.Contributing {
		checks[res.Kind.String()] = map[string]any{
			"result":      res.Outcome.WireResult(),
			"details":     res.Details,
			"duration_ms": res.DurationMS,
			"timestamp":   wireTime(res.StartedAt),
		}
	}
	event := availabilityEvent{
		Domain:     name,
		Status:     "available",
		Confidence: verdict.Confidence,
		Timestamp:  wireTime(at),
		Checks:     checks,
	}
	if err := c.post(ctx, "availability", c.availableURL, event); err != nil {
		if domain.KindOf(err) != domain.KindAuth {
			c.mu.Lock()
			c.pending[name] = event
			c.mu.Unlock()
			c.metrics.Increment("availability_events_parked", 1)
		}
		return err
	}
	return nil
}

// flushPending retries a parked availability event after a successful
// per-check post proved the API reachable again.
func (c *Client) flushPending(ctx context.Context, name string) {
	c.mu.Lock()
	event, ok := c.pending[name]
	if ok {
		delete(c.pending, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.post(ctx, "availability", c.availableURL, event); err != nil {
		if domain.KindOf(err) != domain.KindAuth {
			c.mu.Lock()
			c.pending[name] = event
			c.mu.Unlock()
		}
		return
	}
	c.metrics.Increment("availability_events_recovered", 1)
}

// post sends one document with retries. Transient errors (network, 5xx,
// 429) retry up to maxRetries with exponential backoff; other 4xx are
// dropped; 401/403 pauses the client.
func (c *Client) post(ctx context.Context, kind, url string, payload any) error {
	if c.paused.Load() {
		c.metrics.Increment("callback_posts_paused", 1)
		return domain.NewError(domain.KindAuth, "callback", fmt.Errorf("posting paused after auth rejection"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewError(domain.KindProtocol, "callback encode", err)
	}

	startedAt := time.Now()
	// maxRetries is the total attempt budget, so the retry policy gets one
	// less than that.
	retries := c.maxRetries
	if retries > 0 {
		retries--
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), retries), ctx)

	err = backoff.Retry(func() error {
		if err := c.limiter.Acquire(ctx, ratelimit.ClassCallback); err != nil {
			return backoff.Permanent(err)
		}
		return c.attempt(ctx, url, body)
	}, policy)

	c.metrics.RecordAPICall(kind, err == nil, time.Since(startedAt))
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindAuth:
			c.paused.Store(true)
			c.logger.Error("callback API rejected credentials, pausing posts", "event", kind)
		case domain.KindProtocol:
			c.metrics.Increment("callback_posts_dropped", 1)
			c.logger.Warn("callback API rejected payload, dropping", "event", kind, "error", err)
		default:
			c.logger.Warn("callback post failed", "event", kind, "error", err)
		}
		return err
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(domain.NewError(domain.KindFatal, "callback request", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewError(domain.KindNetwork, "callback", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(domain.NewError(domain.KindAuth, "callback",
			fmt.Errorf("status %d", resp.StatusCode)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NewError(domain.KindRemoteFailure, "callback",
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		// Other 4xx will not improve with retries.
		return backoff.Permanent(domain.NewError(domain.KindProtocol, "callback",
			fmt.Errorf("status %d", resp.StatusCode)))
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.MaxInterval = time.Minute
	return b
}

// wireTime renders a timestamp the way the callback API expects: Unix
// seconds with fractional milliseconds.
func wireTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
