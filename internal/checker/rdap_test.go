package checker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domainwatch/internal/domain"
)

// newRDAPFixture serves a bootstrap table routing .com at the fixture's
// own /rdap/ prefix, with domainHandler answering the domain lookups.
func newRDAPFixture(t *testing.T, domainHandler http.HandlerFunc) *RDAPChecker {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"services":[[["com","net"],["%s/rdap/"]]]}`, srv.URL)
	})
	mux.HandleFunc("/rdap/domain/", domainHandler)

	return NewRDAPChecker(testLimiter(), slog.New(slog.DiscardHandler),
		WithBootstrapURL(srv.URL+"/bootstrap"))
}

func TestRDAPNotFoundMeansUnregistered(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	res := c.Check(context.Background(), "free-name.com")

	assert.Equal(t, domain.OutcomeUnregistered, res.Outcome)
	assert.Equal(t, http.StatusNotFound, res.Details["status_code"])
}

func TestRDAPDomainObjectMeansRegistered(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rdap+json")
		fmt.Fprint(w, `{
			"ldhName": "example.com",
			"handle": "2336799_DOMAIN_COM-VRSN",
			"status": ["client delete prohibited"],
			"events": [
				{"eventAction": "registration", "eventDate": "1995-08-14T04:00:00Z"},
				{"eventAction": "expiration", "eventDate": "2026-08-13T04:00:00Z"}
			],
			"entities": [
				{"roles": ["registrar"], "vcardArray": ["vcard", [["fn", {}, "text", "RESERVED-Internet Assigned Numbers Authority"]]]}
			],
			"nameservers": [{"ldhName": "a.iana-servers.net"}]
		}`)
	})

	res := c.Check(context.Background(), "example.com")

	require.Equal(t, domain.OutcomeRegistered, res.Outcome)
	assert.Equal(t, "RESERVED-Internet Assigned Numbers Authority", res.Details["registrar"])
	events := res.Details["events"].(map[string]string)
	assert.Equal(t, "1995-08-14T04:00:00Z", events["registration"])
}

func TestRDAPServerErrorIsInconclusive(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	res := c.Check(context.Background(), "example.com")

	assert.Equal(t, domain.OutcomeInconclusive, res.Outcome)
}

func TestRDAPThrottledIsInconclusive(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	res := c.Check(context.Background(), "example.com")

	assert.Equal(t, domain.OutcomeInconclusive, res.Outcome)
}

func TestRDAPUnknownTLDIsInconclusive(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	res := c.Check(context.Background(), "example.zz")

	assert.Equal(t, domain.OutcomeInconclusive, res.Outcome)
	assert.Equal(t, true, res.Details["no_rdap_service"])
}

func TestRDAPMalformedBodyIsInconclusive(t *testing.T) {
	c := newRDAPFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	})

	res := c.Check(context.Background(), "example.com")

	assert.Equal(t, domain.OutcomeInconclusive, res.Outcome)
	assert.Equal(t, true, res.Details["malformed"])
}

func TestRDAPBootstrapCached(t *testing.T) {
	bootstrapHits := 0
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		bootstrapHits++
		fmt.Fprintf(w, `{"services":[[["com"],["%s/rdap/"]]]}`, srv.URL)
	})
	mux.HandleFunc("/rdap/domain/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewRDAPChecker(testLimiter(), slog.New(slog.DiscardHandler),
		WithBootstrapURL(srv.URL+"/bootstrap"))

	c.Check(context.Background(), "a.com")
	c.Check(context.Background(), "b.com")

	assert.Equal(t, 1, bootstrapHits)
}
