package ops

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domainwatch/internal/monitor"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	"domainwatch/pkg/testutil"
)

type opsFixture struct {
	mon     *monitor.Monitor
	metrics *metrics.Metrics
	router  http.Handler
}

func newOpsFixture(t *testing.T, listBody string) *opsFixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/domains" {
			fmt.Fprint(w, listBody)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
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
		StateDir:             t.TempDir(),
		SaveInterval:         time.Hour,
		InstanceID:           "test",
		ShutdownGrace:        time.Second,
	}
	m := metrics.New()
	mon, err := monitor.New(cfg, slog.New(slog.DiscardHandler), m, nil)
	require.NoError(t, err)
	return &opsFixture{
		mon:     mon,
		metrics: m,
		router:  New(mon, m, slog.New(slog.DiscardHandler)).Router(),
	}
}

func TestHealthUnhealthyWhenLoopNotRunning(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/health"))

	testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestDomainsListing(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)
	f.mon.AddDomain("a.com", true)
	f.mon.AddDomain("b.com", false)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/domains"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.EqualValues(t, 2, (*body)["total"])
	assert.EqualValues(t, 1, (*body)["high_priority"])
}

func TestDomainDetail(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)
	f.mon.AddDomain("a.com", true)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/domain/a.com"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.Equal(t, "a.com", (*body)["name"])
}

func TestDomainDetailNotFound(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/domain/missing.com"))

	testutil.AssertStatus(t, rr, http.StatusNotFound)
}

func TestRefreshFetchesList(t *testing.T) {
	f := newOpsFixture(t, `{"domains": ["fresh.com"]}`)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodPost, "/refresh"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.True(t, f.mon.MonitoredNames()["fresh.com"])
}

func TestStatusEndpoint(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/status"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.Equal(t, "test", (*body)["instance_id"])
}

func TestMetricsFilterAndReset(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)
	f.metrics.Increment("example_counter", 3)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/metrics"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[map[string]any](t, rr)
	counters := (*body)["counters"].(map[string]any)
	assert.EqualValues(t, 3, counters["example_counter"])

	rr = testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/metrics?include_counters=false"))
	body = testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.NotContains(t, *body, "counters")
	assert.Contains(t, *body, "timers")

	rr = testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/metrics/reset"))
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/metrics"))
	body = testutil.UnmarshalResponse[map[string]any](t, rr)
	counters = (*body)["counters"].(map[string]any)
	assert.NotContains(t, counters, "example_counter")
}

func TestPrometheusExposition(t *testing.T) {
	f := newOpsFixture(t, `{"domains": []}`)
	f.mon.AddDomain("a.com", false)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/metrics/prom"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.Contains(t, string(testutil.ReadBody(t, rr)), "domainwatch_domains_monitored")
}
