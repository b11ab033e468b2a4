package monitor

import (
	"context"
	"encoding/json"
	"fmt"
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
)

// fakeEvaluator scripts pipeline verdicts per domain.
type fakeEvaluator struct {
	mu       sync.Mutex
	verdicts map[string]domain.Verdict
	calls    int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, name string, prev domain.Status, deep bool) domain.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.verdicts[name]; ok {
		return v
	}
	return domain.Verdict{Status: domain.StatusUnknown}
}

type monitorFixture struct {
	cfg       config.Config
	mon       *Monitor
	eval      *fakeEvaluator
	mu        sync.Mutex
	available []map[string]any
}

func newMonitorFixture(t *testing.T, stateDir string) *monitorFixture {
	t.Helper()
	f := &monitorFixture{eval: &fakeEvaluator{verdicts: make(map[string]domain.Verdict)}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/available" {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.available = append(f.available, body)
			f.mu.Unlock()
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	f.cfg = config.Config{
		OpsAddr:              ":0",
		CallbackURL:          srv.URL + "/check",
		AvailableCallbackURL: srv.URL + "/available",
		AuthToken:            "secret",
		APITimeout:           5 * time.Second,
		APIMaxRetries:        2,
		APIRetryBackoff:      5 * time.Millisecond,
		DomainAPIURL:         srv.URL + "/domains",
		RefreshInterval:      time.Hour,
		TLow:                 time.Hour,
		THigh:                5 * time.Minute,
		TConfirmed:           6 * time.Hour,
		TCap:                 24 * time.Hour,
		Workers:              2,
		CheckTimeout:         5 * time.Second,
		Rates:                config.Rates{DNS: 6000, HTTP: 6000, RDAP: 6000, WHOIS: 6000, ListAPI: 6000, Callback: 6000},
		StateDir:             stateDir,
		SaveInterval:         time.Hour,
		InstanceID:           "test",
		ShutdownGrace:        time.Second,
	}

	mon, err := New(f.cfg, slog.New(slog.DiscardHandler), metrics.New(), nil)
	require.NoError(t, err)
	mon.evaluator = f.eval
	f.mon = mon
	return f
}

func (f *monitorFixture) availableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.available)
}

func TestAddAndRemoveDomain(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())

	f.mon.AddDomain("Example.COM", true)
	assert.True(t, f.mon.MonitoredNames()["example.com"])

	rec, err := f.mon.Domain("example.com")
	require.NoError(t, err)
	assert.True(t, rec.Priority)
	assert.False(t, rec.NextCheckAt.IsZero())

	f.mon.RemoveDomain("example.com")
	assert.False(t, f.mon.MonitoredNames()["example.com"])
}

func TestSetPriorityKeepsTimer(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("example.com", false)
	before, err := f.mon.Domain("example.com")
	require.NoError(t, err)

	f.mon.SetPriority("example.com", true)

	after, err := f.mon.Domain("example.com")
	require.NoError(t, err)
	assert.True(t, after.Priority)
	assert.True(t, before.NextCheckAt.Equal(after.NextCheckAt))
}

// A completed check updates the record, reports availability once, and
// schedules the next check.
func TestRunCheckReportsAvailabilityOnce(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("example.com", false)
	f.eval.verdicts["example.com"] = domain.Verdict{
		Status:     domain.StatusConfirmedAvailable,
		Confidence: 0.95,
	}

	next, _, keep := f.mon.runCheck(context.Background(), "example.com", false)
	require.True(t, keep)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 1, f.availableCount())

	rec, err := f.mon.Domain("example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmedAvailable, rec.LastVerdict)
	assert.Equal(t, domain.StatusConfirmedAvailable, rec.LastReportedStatus)
	assert.Zero(t, rec.ConsecutiveFailures)

	// A second identical verdict is suppressed by last_reported_status.
	_, _, keep = f.mon.runCheck(context.Background(), "example.com", false)
	require.True(t, keep)
	assert.Equal(t, 1, f.availableCount())
}

func TestRunCheckUnknownIncrementsFailures(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("example.com", false)

	f.mon.runCheck(context.Background(), "example.com", false)
	f.mon.runCheck(context.Background(), "example.com", false)

	rec, err := f.mon.Domain("example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
	assert.Equal(t, domain.StatusUnknown, rec.LastVerdict)
	assert.Equal(t, 0, f.availableCount())
}

// Backoff grows with consecutive failures, capped at TCap.
func TestRunCheckBacksOffOnFailures(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("example.com", false)

	var previous time.Duration
	for i := 0; i < 3; i++ {
		next, _, keep := f.mon.runCheck(context.Background(), "example.com", false)
		require.True(t, keep)
		interval := time.Until(next)
		if i > 0 {
			assert.Greater(t, interval, previous)
		}
		previous = interval
	}
}

// A removal that lands while the check runs discards the verdict and the
// domain without posting anything.
func TestRemovalDuringCheckDiscardsResult(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("example.com", false)
	f.eval.verdicts["example.com"] = domain.Verdict{
		Status:     domain.StatusConfirmedAvailable,
		Confidence: 0.95,
	}
	f.mon.mu.Lock()
	f.mon.pendingRemoval["example.com"] = true
	f.mon.mu.Unlock()

	_, _, keep := f.mon.runCheck(context.Background(), "example.com", false)

	assert.False(t, keep)
	assert.Equal(t, 0, f.availableCount())
	assert.False(t, f.mon.MonitoredNames()["example.com"])
}

// Crash recovery: state written by one monitor instance is restored by the
// next one, and a previously reported domain is not re-reported.
func TestStateSurvivesRestart(t *testing.T) {
	stateDir := t.TempDir()

	f1 := newMonitorFixture(t, stateDir)
	f1.mon.AddDomain("a.com", true)
	f1.eval.verdicts["a.com"] = domain.Verdict{Status: domain.StatusConfirmedAvailable, Confidence: 0.95}
	_, _, keep := f1.mon.runCheck(context.Background(), "a.com", true)
	require.True(t, keep)
	require.Equal(t, 1, f1.availableCount())
	require.NoError(t, f1.mon.saveState())

	f2 := newMonitorFixture(t, stateDir)
	rec, err := f2.mon.Domain("a.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmedAvailable, rec.LastVerdict)
	assert.Equal(t, domain.StatusConfirmedAvailable, rec.LastReportedStatus)
	assert.True(t, rec.Priority)

	// The restored reported status suppresses a duplicate notification.
	f2.eval.verdicts["a.com"] = domain.Verdict{Status: domain.StatusConfirmedAvailable, Confidence: 0.95}
	_, _, keep = f2.mon.runCheck(context.Background(), "a.com", true)
	require.True(t, keep)
	assert.Equal(t, 0, f2.availableCount())
}

func TestHealthyBeforeRun(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	assert.Error(t, f.mon.Healthy())
}

func TestStatusView(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir())
	f.mon.AddDomain("a.com", true)
	f.mon.AddDomain("b.com", false)

	status := f.mon.Status()
	assert.Equal(t, 2, status.Domains)
	assert.Equal(t, 1, status.Priority)
	assert.Equal(t, 2, status.ByVerdict["unknown"])
	assert.True(t, status.Dispatching)
}
