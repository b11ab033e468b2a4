package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
)

// Class names a service budget shared by every probe of that kind.
type Class string

const (
	ClassDNS      Class = "dns"
	ClassHTTP     Class = "http"
	ClassRDAP     Class = "rdap"
	ClassWHOIS    Class = "whois"
	ClassListAPI  Class = "list_api"
	ClassCallback Class = "callback"
)

// String returns the string representation.
func (c Class) String() string {
	return string(c)
}

// Limiter is the single admission-control point for outbound traffic. One
// token bucket per service class; waiters on a bucket are served in FIFO
// order by the underlying reservation queue.
type Limiter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	buckets map[Class]*rate.Limiter

	// Per-domain spacing: a checker never probes the same name twice
	// within its class interval, independent of bucket capacity.
	spacing  map[Class]time.Duration
	lastSeen map[string]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics wires the metrics handle for rate timeout accounting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New builds a Limiter from the per-minute budgets in cfg.
func New(cfg config.Rates, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		logger:   logger,
		buckets:  make(map[Class]*rate.Limiter),
		spacing:  make(map[Class]time.Duration),
		lastSeen: make(map[string]time.Time),
	}
	for class, perMinute := range map[Class]float64{
		ClassDNS:      cfg.DNS,
		ClassHTTP:     cfg.HTTP,
		ClassRDAP:     cfg.RDAP,
		ClassWHOIS:    cfg.WHOIS,
		ClassListAPI:  cfg.ListAPI,
		ClassCallback: cfg.Callback,
	} {
		l.configure(class, perMinute)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// configure installs a bucket for class with the given per-minute budget.
// Burst capacity is one minute's worth of tokens, floor 1, and the bucket
// starts full.
func (l *Limiter) configure(class Class, perMinute float64) {
	capacity := int(perMinute)
	if capacity < 1 {
		capacity = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[class] = rate.NewLimiter(rate.Limit(perMinute/60.0), capacity)
	if perMinute > 0 {
		l.spacing[class] = time.Duration(float64(time.Minute) / perMinute)
	}
}

// Register adds a bucket for an ad hoc class (one per remote API host).
// Re-registering an existing class replaces its budget.
func (l *Limiter) Register(class Class, perMinute float64) {
	l.configure(class, perMinute)
}

// Acquire takes one token from the class bucket, waiting until a token is
// available or ctx expires. Deadline exhaustion maps to the rate timeout
// taxonomy kind.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	return l.AcquireN(ctx, class, 1)
}

// AcquireN takes n tokens from the class bucket.
func (l *Limiter) AcquireN(ctx context.Context, class Class, n int) error {
	l.mu.Lock()
	bucket := l.buckets[class]
	l.mu.Unlock()
	if bucket == nil {
		return domain.NewError(domain.KindFatal, "ratelimit", errUnknownClass(class))
	}

	if err := bucket.WaitN(ctx, n); err != nil {
		if l.metrics != nil {
			l.metrics.RateTimeoutsTotal.WithLabelValues(class.String()).Inc()
		}
		l.logger.Debug("rate limit deadline exceeded", "class", class.String(), "tokens", n)
		return domain.NewError(domain.KindRateTimeout, "ratelimit", err)
	}
	return nil
}

// AcquireForDomain takes a class token and additionally enforces the
// per-domain minimum spacing for that class, sleeping out the remainder if
// the same name was probed too recently.
func (l *Limiter) AcquireForDomain(ctx context.Context, class Class, name string) error {
	if err := l.Acquire(ctx, class); err != nil {
		return err
	}

	key := class.String() + ":" + name
	l.mu.Lock()
	interval := l.spacing[class]
	last := l.lastSeen[key]
	now := time.Now()
	wait := interval - now.Sub(last)
	if wait < 0 {
		wait = 0
	}
	l.lastSeen[key] = now.Add(wait)
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return domain.NewError(domain.KindRateTimeout, "ratelimit", ctx.Err())
	}
}

// Allow reports whether a token is immediately available without consuming
// wait time. Used by opportunistic work that should skip rather than queue.
func (l *Limiter) Allow(class Class) bool {
	l.mu.Lock()
	bucket := l.buckets[class]
	l.mu.Unlock()
	return bucket != nil && bucket.Allow()
}

type errUnknownClass Class

func (e errUnknownClass) Error() string {
	return "no bucket configured for class " + string(e)
}
