package checker

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/ratelimit"
)

// HTTPChecker sends HEAD requests to the apex of the domain. A live HTTP
// endpoint proves the domain is in use; the absence of one proves nothing,
// so this checker never reports unregistered.
type HTTPChecker struct {
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	client  *http.Client
	schemes []string
}

// HTTPOption configures an HTTPChecker.
type HTTPOption func(*HTTPChecker)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPChecker) {
		c.client = client
	}
}

// NewHTTPChecker builds the checker. Redirects are never followed: parking
// services answer with redirects and a followed redirect would attribute
// the target's liveness to the probed name.
func NewHTTPChecker(limiter *ratelimit.Limiter, logger *slog.Logger, opts ...HTTPOption) *HTTPChecker {
	c := &HTTPChecker{
		logger:  logger,
		limiter: limiter,
		client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
				DisableKeepAlives: true,
			},
		},
		schemes: []string{"https", "http"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPChecker) Kind() domain.CheckerKind {
	return domain.KindHTTP
}

func (c *HTTPChecker) Check(ctx context.Context, name string) domain.CheckResult {
	startedAt := time.Now()
	if err := c.limiter.AcquireForDomain(ctx, ratelimit.ClassHTTP, name); err != nil {
		return limitErrResult(domain.KindHTTP, startedAt, err)
	}

	responses := make(map[string]any, len(c.schemes))
	details := map[string]any{"responses": responses}

	for _, scheme := range c.schemes {
		url := scheme + "://" + name + "/"
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			responses[scheme] = map[string]any{"error": err.Error()}
			continue
		}
		req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)

		resp, err := c.client.Do(req)
		if err != nil {
			responses[scheme] = map[string]any{"error": err.Error()}
			continue
		}
		resp.Body.Close()

		responses[scheme] = map[string]any{
			"status_code": resp.StatusCode,
			"redirected":  resp.StatusCode >= 300 && resp.StatusCode < 400,
		}
		// Any valid HTTP status over an established connection means
		// something answers for this name.
		return result(domain.KindHTTP, domain.OutcomeRegistered, details, startedAt, nil)
	}

	return result(domain.KindHTTP, domain.OutcomeInconclusive, details, startedAt, nil)
}
