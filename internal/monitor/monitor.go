// Package monitor owns every other component: it loads persisted state,
// runs the scheduler workers, the list reconciler, and the snapshot
// ticker, and routes verdicts to the callback API.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"domainwatch/internal/callback"
	"domainwatch/internal/checker"
	"domainwatch/internal/domain"
	"domainwatch/internal/lock"
	"domainwatch/internal/pipeline"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	platformredis "domainwatch/internal/platform/redis"
	"domainwatch/internal/ratelimit"
	"domainwatch/internal/reconcile"
	"domainwatch/internal/registry"
	"domainwatch/internal/scheduler"
	"domainwatch/internal/state"
	"domainwatch/pkg/platform/sentinel"
)

// addJitterMax spreads newly added domains' first checks so a large list
// update does not stampede the oracles.
const addJitterMax = 30 * time.Second

// evaluator is the slice of the pipeline the monitor drives.
type evaluator interface {
	Evaluate(ctx context.Context, name string, prev domain.Status, deep bool) domain.Verdict
}

// Monitor is the top-level orchestrator.
type Monitor struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	evaluator  evaluator
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	store      *state.Store
	callbacks  *callback.Client
	lease      *lock.Lease

	startedAt time.Time
	alive     atomic.Bool
	dispatch  atomic.Bool

	// checkCtx outlives the run context by the shutdown grace so in-flight
	// probes can finish after cancellation.
	checkCtx   context.Context
	stopChecks context.CancelFunc

	// Domains whose removal arrived while a check was in flight.
	mu             sync.Mutex
	pendingRemoval map[string]bool
}

// New wires the full component graph. Nothing runs until Run is called.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, redisClient *platformredis.Client) (*Monitor, error) {
	store, err := state.New(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}

	mon := &Monitor{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		registry:       registry.New(),
		store:          store,
		pendingRemoval: make(map[string]bool),
	}
	mon.dispatch.Store(!cfg.DistributedLocking)
	mon.checkCtx, mon.stopChecks = context.WithCancel(context.Background())

	mon.limiter = ratelimit.New(cfg.Rates, logger, ratelimit.WithMetrics(m))
	mon.callbacks = callback.New(cfg, mon.limiter, m, logger)

	mon.evaluator = pipeline.New(
		[]checker.Checker{
			checker.NewDNSChecker(mon.limiter, logger),
			checker.NewHTTPChecker(mon.limiter, logger),
		},
		[]checker.Checker{checker.NewRDAPChecker(mon.limiter, logger)},
		[]checker.Checker{checker.NewWHOISChecker(mon.limiter, logger)},
		m, logger,
		pipeline.WithResultSink(mon.postCheckResult),
	)

	cadence := scheduler.Cadence{
		TLow:       cfg.TLow,
		THigh:      cfg.THigh,
		TConfirmed: cfg.TConfirmed,
		TCap:       cfg.TCap,
	}
	mon.scheduler = scheduler.New(cadence, cfg.Workers, mon.runCheck, m, logger)
	mon.reconciler = reconcile.New(cfg, mon, mon.limiter, m, logger)

	if cfg.DistributedLocking {
		if redisClient == nil {
			return nil, domain.NewError(domain.KindFatal, "monitor",
				errors.New("distributed locking enabled without a redis client"))
		}
		mon.lease = lock.NewLease(redisClient, cfg.InstanceID, 30*time.Second, logger)
	}

	if err := mon.loadState(); err != nil {
		// Corrupt state was quarantined; anything else is already logged.
		logger.Warn("starting with empty state", "error", err)
	}
	return mon, nil
}

// Run starts every loop and blocks until ctx is cancelled, then waits for
// in-flight checks (bounded by the shutdown grace) and snapshots state.
func (m *Monitor) Run(ctx context.Context) error {
	m.startedAt = time.Now()
	m.alive.Store(true)
	defer m.alive.Store(false)

	defer m.stopChecks()

	// In-flight checks get the grace period after cancellation, then the
	// probe contexts are cut.
	graceTimer := time.AfterFunc(time.Duration(1<<62), m.stopChecks)
	defer graceTimer.Stop()
	go func() {
		<-ctx.Done()
		graceTimer.Reset(m.cfg.ShutdownGrace)
	}()

	// Initial list fetch. A failure here is not fatal: persisted domains
	// keep being checked and the reconciler loop retries.
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.APITimeout)
	if err := m.reconciler.Refresh(fetchCtx); err != nil {
		m.logger.Error("initial list fetch failed", "error", err)
	}
	cancel()
	m.updateGauges()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.scheduler.Run(runCtx) })
	g.Go(func() error { return m.reconciler.Run(runCtx) })
	g.Go(func() error { return m.snapshotLoop(runCtx) })
	if m.lease != nil {
		g.Go(func() error {
			return m.lease.Keep(runCtx, func(held bool) { m.dispatch.Store(held) })
		})
	}

	err := g.Wait()

	if saveErr := m.saveState(); saveErr != nil {
		m.logger.Error("final state snapshot failed", "error", saveErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadState restores the registry and schedule from the last snapshot.
func (m *Monitor) loadState() error {
	snap, err := m.store.Load()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range snap.Domains {
		if rec.Name == "" {
			continue
		}
		if rec.NextCheckAt.Before(now) {
			rec.NextCheckAt = now.Add(time.Duration(rand.Int64N(int64(addJitterMax))))
		}
		m.registry.Put(rec)
		m.scheduler.Schedule(rec.Name, rec.Priority, rec.NextCheckAt)
	}
	if n := len(snap.Domains); n > 0 {
		m.logger.Info("restored domains from state snapshot", "count", n, "saved_at", snap.Timestamp)
	}
	m.updateGauges()
	return nil
}

func (m *Monitor) saveState() error {
	err := m.store.Save(state.Snapshot{
		Timestamp:  time.Now(),
		InstanceID: m.cfg.InstanceID,
		Domains:    m.registry.Snapshot(),
	})
	if err != nil {
		m.metrics.SnapshotsTotal.WithLabelValues("failure").Inc()
		return err
	}
	m.metrics.SnapshotsTotal.WithLabelValues("success").Inc()
	return nil
}

func (m *Monitor) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.saveState(); err != nil {
				m.logger.Error("periodic state snapshot failed", "error", err)
			}
		}
	}
}

// runCheck is the scheduler dispatch callback: it runs the pipeline for
// one due domain and folds the verdict back into the registry. The probe
// context comes from checkCtx so cancellation honours the shutdown grace
// rather than cutting probes mid-flight.
func (m *Monitor) runCheck(_ context.Context, name string, priority bool) (time.Time, bool, bool) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return time.Time{}, priority, false
	}

	if !m.dispatch.Load() {
		// Another instance holds the dispatch lease. Check again shortly
		// without probing.
		return time.Now().Add(scheduler.Jitter(30 * time.Second)), rec.Priority, true
	}

	ctx, cancel := context.WithTimeout(m.checkCtx, m.cfg.CheckTimeout)
	defer cancel()

	deep := rec.Priority && rec.LastVerdict == domain.StatusLikelyAvailable
	verdict := m.evaluator.Evaluate(ctx, name, rec.LastVerdict, deep)
	now := time.Now()

	if m.removalPending(name) {
		// The domain left the list while this check ran: discard the
		// verdict, drop the domain, post nothing.
		m.finishRemoval(name)
		return time.Time{}, rec.Priority, false
	}

	failures := rec.ConsecutiveFailures
	if verdict.Status == domain.StatusUnknown {
		failures++
	} else {
		failures = 0
	}

	reported := rec.LastReportedStatus
	if verdict.Status.Available() && verdict.Status != reported {
		if err := m.callbacks.PostAvailability(ctx, name, verdict, now); err != nil {
			m.logger.Warn("availability notification failed", "domain", name, "error", err)
		} else {
			reported = verdict.Status
			m.metrics.Increment("availability_notifications_sent", 1)
			m.logger.Info("domain available", "domain", name,
				"status", verdict.Status.String(), "confidence", verdict.Confidence)
		}
	}

	updErr := m.registry.Update(name, func(r *domain.Record) {
		r.LastCheckedAt = now
		r.LastVerdict = verdict.Status
		r.LastConfidence = verdict.Confidence
		r.ConsecutiveFailures = failures
		r.LastReportedStatus = reported
	})
	if updErr != nil {
		return time.Time{}, rec.Priority, false
	}

	rec, err = m.registry.Get(name)
	if err != nil {
		return time.Time{}, priority, false
	}
	next := now.Add(m.scheduler.Cadence().Next(verdict.Status, rec.Priority, failures))
	_ = m.registry.Update(name, func(r *domain.Record) {
		r.NextCheckAt = next
	})
	m.updateGauges()
	return next, rec.Priority, true
}

// postCheckResult is the pipeline sink: every completed probe is posted to
// the callback API unless the domain is already being removed.
func (m *Monitor) postCheckResult(name string, res domain.CheckResult) {
	if m.removalPending(name) || !m.registry.Has(name) {
		return
	}
	ctx, cancel := context.WithTimeout(m.checkCtx, m.cfg.APITimeout)
	defer cancel()
	if err := m.callbacks.PostCheck(ctx, name, res); err != nil {
		m.logger.Debug("per-check callback failed", "domain", name,
			"checker", res.Kind.String(), "error", err)
	}
}

// MonitoredNames implements reconcile.Target.
func (m *Monitor) MonitoredNames() map[string]bool {
	return m.registry.Names()
}

// AddDomain implements reconcile.Target: new domains are scheduled with a
// small random jitter so list updates do not stampede.
func (m *Monitor) AddDomain(name string, priority bool) {
	name = domain.NormalizeName(name)
	at := time.Now().Add(time.Duration(rand.Int64N(int64(addJitterMax))))
	m.registry.Put(domain.Record{
		Name:        name,
		Priority:    priority,
		NextCheckAt: at,
		LastVerdict: domain.StatusUnknown,
	})
	m.clearRemoval(name)
	m.scheduler.Schedule(name, priority, at)
	m.updateGauges()
}

// RemoveDomain implements reconcile.Target. A domain with a check in
// flight is only marked; deletion happens when the check settles.
func (m *Monitor) RemoveDomain(name string) {
	name = domain.NormalizeName(name)
	if m.scheduler.Remove(name) {
		m.registry.Remove(name)
		m.updateGauges()
		return
	}
	m.mu.Lock()
	m.pendingRemoval[name] = true
	m.mu.Unlock()
	m.logger.Debug("removal deferred until in-flight check settles", "domain", name)
}

// SetPriority implements reconcile.Target: the tier changes in place
// without resetting the domain's timer.
func (m *Monitor) SetPriority(name string, priority bool) {
	name = domain.NormalizeName(name)
	changed := false
	_ = m.registry.Update(name, func(r *domain.Record) {
		changed = r.Priority != priority
		r.Priority = priority
	})
	if changed {
		m.scheduler.SetPriority(name, priority)
		m.updateGauges()
	}
}

func (m *Monitor) removalPending(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRemoval[name]
}

func (m *Monitor) clearRemoval(name string) {
	m.mu.Lock()
	delete(m.pendingRemoval, name)
	m.mu.Unlock()
}

func (m *Monitor) finishRemoval(name string) {
	m.clearRemoval(name)
	m.registry.Remove(name)
	m.updateGauges()
}

// Refresh forces a list fetch and reschedules every domain to run now.
// Backs the POST /refresh endpoint.
func (m *Monitor) Refresh(ctx context.Context) error {
	if err := m.reconciler.Refresh(ctx); err != nil {
		return err
	}
	now := time.Now()
	m.scheduler.RescheduleAll(now)
	for _, rec := range m.registry.Snapshot() {
		_ = m.registry.Update(rec.Name, func(r *domain.Record) {
			if r.NextCheckAt.After(now) {
				r.NextCheckAt = now
			}
		})
	}
	return nil
}

func (m *Monitor) updateGauges() {
	m.metrics.DomainsMonitored.Set(float64(m.registry.Len()))
	m.metrics.DomainsPriority.Set(float64(m.registry.PriorityCount()))
	for status, n := range m.registry.CountByStatus() {
		m.metrics.DomainsByStatus.WithLabelValues(status.String()).Set(float64(n))
	}
}

// Healthy reports whether the monitor loop is alive and the state
// directory is writable.
func (m *Monitor) Healthy() error {
	if !m.alive.Load() {
		return sentinel.ErrUnavailable
	}
	return m.store.Writable()
}

// StatusView is the /status document.
type StatusView struct {
	UptimeSeconds  int64           `json:"uptime_seconds"`
	InstanceID     string          `json:"instance_id"`
	Domains        int             `json:"domains"`
	Priority       int             `json:"priority"`
	ByVerdict      map[string]int  `json:"by_verdict"`
	Scheduler      scheduler.Stats `json:"scheduler"`
	CallbackPaused bool            `json:"callback_paused"`
	Dispatching    bool            `json:"dispatching"`
}

// Status summarises the running service for the ops surface.
func (m *Monitor) Status() StatusView {
	byVerdict := make(map[string]int)
	for status, n := range m.registry.CountByStatus() {
		byVerdict[status.String()] = n
	}
	return StatusView{
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
		InstanceID:     m.cfg.InstanceID,
		Domains:        m.registry.Len(),
		Priority:       m.registry.PriorityCount(),
		ByVerdict:      byVerdict,
		Scheduler:      m.scheduler.Stats(),
		CallbackPaused: m.callbacks.Paused(),
		Dispatching:    m.dispatch.Load(),
	}
}

// Domains returns a copy of every monitored record.
func (m *Monitor) Domains() []domain.Record {
	return m.registry.Snapshot()
}

// Domain returns the record for one name.
func (m *Monitor) Domain(name string) (domain.Record, error) {
	return m.registry.Get(name)
}
