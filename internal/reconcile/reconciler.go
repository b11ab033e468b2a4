// Package reconcile keeps the monitored set in sync with the remote domain
// list API without losing in-flight work.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	"domainwatch/internal/ratelimit"
)

// Item is one entry of the remote list.
type Item struct {
	Name     string
	Priority bool
}

// Target is what the reconciler drives: the monitor's view of the
// registry. Removals may be deferred internally when a check is in flight.
type Target interface {
	MonitoredNames() map[string]bool
	AddDomain(name string, priority bool)
	RemoveDomain(name string)
	SetPriority(name string, priority bool)
}

// Reconciler periodically fetches the list API and applies the delta.
type Reconciler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	target  Target
	http    *http.Client

	url         string
	token       string
	interval    time.Duration
	maxRetries  uint64
	backoffBase time.Duration

	mu               sync.Mutex
	consecutiveEmpty int
}

// New builds the reconciler.
func New(cfg config.Config, target Target, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger:      logger,
		metrics:     m,
		limiter:     limiter,
		target:      target,
		http:        &http.Client{Timeout: cfg.APITimeout},
		url:         ensureProtocol(cfg.DomainAPIURL),
		token:       cfg.AuthToken,
		interval:    cfg.RefreshInterval,
		maxRetries:  uint64(cfg.APIMaxRetries),
		backoffBase: cfg.APIRetryBackoff,
	}
}

// Run fetches on the configured interval until ctx is cancelled. Fetch
// failures never empty the registry; the next tick tries again.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("list refresh failed, keeping existing registry", "error", err)
			}
		}
	}
}

// Refresh fetches the list once and applies the delta to the target.
func (r *Reconciler) Refresh(ctx context.Context) error {
	items, err := r.fetch(ctx)
	if err != nil {
		r.metrics.ListFetchesTotal.WithLabelValues("failure").Inc()
		r.metrics.Increment("list_fetch_errors", 1)
		return err
	}
	r.metrics.ListFetchesTotal.WithLabelValues("success").Inc()

	// An empty list wipes everything, so treat the first empty response as
	// suspect: only honour it once it persists across two consecutive
	// fetches.
	r.mu.Lock()
	if len(items) == 0 {
		r.consecutiveEmpty++
		if r.consecutiveEmpty < 2 {
			r.mu.Unlock()
			r.metrics.Increment("list_fetch_empty_deferred", 1)
			r.logger.Error("list API returned no domains, deferring removal until confirmed")
			return nil
		}
	} else {
		r.consecutiveEmpty = 0
	}
	r.mu.Unlock()

	r.apply(items)
	return nil
}

// apply computes the set delta and pushes it into the target.
func (r *Reconciler) apply(items []Item) {
	current := r.target.MonitoredNames()
	seen := make(map[string]bool, len(items))

	added, removed, flipped := 0, 0, 0
	for _, item := range items {
		name := domain.NormalizeName(item.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if current[name] {
			r.target.SetPriority(name, item.Priority)
			flipped++
		} else {
			r.target.AddDomain(name, item.Priority)
			added++
		}
	}
	for name := range current {
		if !seen[name] {
			r.target.RemoveDomain(name)
			removed++
		}
	}

	r.metrics.Increment("domains_added", int64(added))
	r.metrics.Increment("domains_removed", int64(removed))
	r.logger.Info("list reconciled",
		"total", len(seen), "added", added, "removed", removed, "updated", flipped)
}

// fetch retrieves and parses the remote list with bounded retries.
func (r *Reconciler) fetch(ctx context.Context) ([]Item, error) {
	var items []Item
	retries := r.maxRetries
	if retries > 0 {
		retries--
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoffBase
	b.MaxInterval = time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	err := backoff.Retry(func() error {
		if err := r.limiter.Acquire(ctx, ratelimit.ClassListAPI); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		items, err = r.fetchOnce(ctx)
		return err
	}, policy)
	return items, err
}

func (r *Reconciler) fetchOnce(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, backoff.Permanent(domain.NewError(domain.KindFatal, "list request", err))
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindNetwork, "list fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, domain.NewError(domain.KindRemoteFailure, "list fetch",
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, backoff.Permanent(domain.NewError(domain.KindRemoteFailure, "list fetch",
			fmt.Errorf("status %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.NewError(domain.KindNetwork, "list read", err)
	}
	items, err := ParseList(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return items, nil
}

// ParseList decodes the list payload. The array may live under "domains",
// "data", or "results"; entries are either objects or bare domain strings
// (bare strings are non-priority).
func ParseList(body []byte) ([]Item, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.NewError(domain.KindProtocol, "list parse", err)
	}

	var raw []json.RawMessage
	for _, key := range []string{"domains", "data", "results"} {
		if msg, ok := doc[key]; ok {
			if err := json.Unmarshal(msg, &raw); err != nil {
				return nil, domain.NewError(domain.KindProtocol, "list parse", err)
			}
			break
		}
	}

	items := make([]Item, 0, len(raw))
	for _, msg := range raw {
		var name string
		if err := json.Unmarshal(msg, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				items = append(items, Item{Name: name})
			}
			continue
		}
		var obj struct {
			Domain     string `json:"domain"`
			Name       string `json:"name"`
			DomainName string `json:"domainName"`
			Priority   bool   `json:"priority"`
		}
		if err := json.Unmarshal(msg, &obj); err != nil {
			return nil, domain.NewError(domain.KindProtocol, "list parse", err)
		}
		name = obj.Domain
		if name == "" {
			name = obj.Name
		}
		if name == "" {
			name = obj.DomainName
		}
		if name = strings.TrimSpace(name); name != "" {
			items = append(items, Item{Name: name, Priority: obj.Priority})
		}
	}
	return items, nil
}

func ensureProtocol(url string) string {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "https://" + url
	}
	return url
}
