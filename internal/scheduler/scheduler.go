// Package scheduler decides when each domain is checked next and dispatches
// due checks onto a fixed worker pool. Priority domains live in their own
// queue and are served first whenever both queues have due work.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/metrics"
)

// DispatchFunc runs one check for a due domain. It returns the time of the
// next check, the domain's current priority tier, and whether the domain
// should stay scheduled; returning keep=false drops the domain (it was
// removed while checking).
type DispatchFunc func(ctx context.Context, name string, priority bool) (next time.Time, nextPriority bool, keep bool)

// Cadence holds the interval policy.
type Cadence struct {
	TLow       time.Duration // base interval, non-priority
	THigh      time.Duration // base interval, priority
	TConfirmed time.Duration // after a confirmed-available report
	TCap       time.Duration // backoff ceiling
}

// Base returns the base interval for a priority tier.
func (c Cadence) Base(priority bool) time.Duration {
	if priority {
		return c.THigh
	}
	return c.TLow
}

// Next computes the interval until the following check given the verdict
// just produced. Unknown verdicts back off exponentially with the failure
// count, capped and jittered.
func (c Cadence) Next(status domain.Status, priority bool, failures int) time.Duration {
	switch status {
	case domain.StatusConfirmedAvailable:
		return Jitter(c.TConfirmed)
	case domain.StatusUnknown:
		backoff := c.Base(priority)
		for i := 0; i < failures && backoff < c.TCap; i++ {
			backoff *= 2
		}
		if backoff > c.TCap {
			backoff = c.TCap
		}
		return Jitter(backoff)
	default:
		return Jitter(c.Base(priority))
	}
}

// Jitter spreads d by ±10% so the fleet does not probe in lockstep.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Scheduler owns the two due-time queues, the in-flight set, and the
// worker pool.
type Scheduler struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cadence  Cadence
	workers  int
	dispatch DispatchFunc

	mu       sync.Mutex
	prioQ    timeHeap
	normQ    timeHeap
	entries  map[string]*entry
	inflight map[string]bool
	stopped  bool
	wake     chan struct{}

	busy atomic.Int64
}

// New builds a Scheduler. dispatch is invoked from worker goroutines with
// the run context.
func New(cadence Cadence, workers int, dispatch DispatchFunc, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		metrics:  m,
		cadence:  cadence,
		workers:  workers,
		dispatch: dispatch,
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Cadence exposes the interval policy.
func (s *Scheduler) Cadence() Cadence {
	return s.cadence
}

// Schedule inserts or moves the domain's single queue entry. A domain that
// is currently in flight is not re-queued here; its next entry is created
// when the dispatch completes.
func (s *Scheduler) Schedule(name string, priority bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.inflight[name] {
		return
	}
	if e, ok := s.entries[name]; ok {
		queueFor(s, e.priority).remove(e)
		e.priority = priority
		e.at = at
		queueFor(s, priority).push(e)
	} else {
		e := &entry{name: name, priority: priority, at: at, index: -1}
		s.entries[name] = e
		queueFor(s, priority).push(e)
	}
	s.updateDepth()
	s.signal()
}

// SetPriority moves a queued domain between tiers without touching its
// scheduled time.
func (s *Scheduler) SetPriority(name string, priority bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || e.priority == priority {
		return
	}
	queueFor(s, e.priority).remove(e)
	e.priority = priority
	queueFor(s, priority).push(e)
	s.signal()
}

// Remove cancels the pending entry for name. Returns false when the domain
// is in flight; the caller must defer deletion until completion.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	if e, ok := s.entries[name]; ok {
		queueFor(s, e.priority).remove(e)
		delete(s.entries, name)
		s.updateDepth()
	}
	return true
}

// InFlight reports whether name is currently being checked.
func (s *Scheduler) InFlight(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[name]
}

// RescheduleAll moves every queued entry to now plus a small jitter. Used
// by the manual refresh endpoint.
func (s *Scheduler) RescheduleAll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.at = now.Add(time.Duration(rand.Int64N(int64(10 * time.Second))))
		queueFor(s, e.priority).fix(e)
	}
	s.signal()
}

// Stats describes the pool and queues for the status endpoint.
type Stats struct {
	Workers  int `json:"workers"`
	Busy     int `json:"busy"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

// Stats returns a point-in-time view of pool occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers:  s.workers,
		Busy:     int(s.busy.Load()),
		Queued:   len(s.prioQ) + len(s.normQ),
		InFlight: len(s.inflight),
	}
}

// Run operates the dispatcher and worker pool until ctx is cancelled.
// Pending dispatches are abandoned on cancellation; the caller bounds how
// long in-flight checks get to finish via the dispatch context.
func (s *Scheduler) Run(ctx context.Context) error {
	work := make(chan *entry)
	var wg sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range work {
				s.runOne(ctx, e)
			}
		}()
	}

	s.dispatchLoop(ctx, work)
	close(work)
	wg.Wait()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return ctx.Err()
}

// dispatchLoop hands due entries to workers, serving the priority queue
// first, and sleeps until the earliest scheduled time otherwise.
func (s *Scheduler) dispatchLoop(ctx context.Context, work chan<- *entry) {
	for {
		s.mu.Lock()
		e := s.nextDueLocked(time.Now())
		var wait time.Duration
		if e == nil {
			wait = s.waitLocked(time.Now())
		} else {
			s.inflight[e.name] = true
			delete(s.entries, e.name)
			s.updateDepth()
		}
		s.mu.Unlock()

		if e != nil {
			select {
			case work <- e:
			case <-ctx.Done():
				// Undo the claim so the entry is not lost from state.
				s.mu.Lock()
				delete(s.inflight, e.name)
				s.entries[e.name] = e
				queueFor(s, e.priority).push(e)
				s.mu.Unlock()
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runOne executes the dispatch callback for one claimed entry and requeues
// the domain afterwards if it is to be kept.
func (s *Scheduler) runOne(ctx context.Context, e *entry) {
	s.busy.Add(1)
	s.metrics.WorkersBusy.Set(float64(s.busy.Load()))
	defer func() {
		s.busy.Add(-1)
		s.metrics.WorkersBusy.Set(float64(s.busy.Load()))
	}()

	next, nextPriority, keep := s.dispatch(ctx, e.name, e.priority)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, e.name)
	if keep && !s.stopped {
		e.at = next
		e.priority = nextPriority
		e.index = -1
		s.entries[e.name] = e
		queueFor(s, e.priority).push(e)
		s.updateDepth()
		s.signal()
	}
}

// nextDueLocked pops the due entry to run next: priority tier first, then
// oldest scheduled time. Caller holds s.mu.
func (s *Scheduler) nextDueLocked(now time.Time) *entry {
	if e := s.prioQ.peek(); e != nil && !e.at.After(now) {
		return s.prioQ.pop()
	}
	if e := s.normQ.peek(); e != nil && !e.at.After(now) {
		return s.normQ.pop()
	}
	return nil
}

// waitLocked computes how long to sleep until the earliest entry is due.
// Caller holds s.mu.
func (s *Scheduler) waitLocked(now time.Time) time.Duration {
	const idle = time.Minute
	wait := idle
	for _, h := range []timeHeap{s.prioQ, s.normQ} {
		if e := h.peek(); e != nil {
			if d := e.at.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) updateDepth() {
	s.metrics.QueueDepth.Set(float64(len(s.prioQ) + len(s.normQ)))
}

func queueFor(s *Scheduler, priority bool) *timeHeap {
	if priority {
		return &s.prioQ
	}
	return &s.normQ
}
