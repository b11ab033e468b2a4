package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"domainwatch/internal/domain"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/ratelimit"
)

const ianaBootstrapURL = "https://data.iana.org/rdap/dns.json"

// bootstrapTTL bounds how long a fetched bootstrap table is trusted.
const bootstrapTTL = 24 * time.Hour

// RDAPChecker queries the registry's RDAP service for the domain. RDAP is
// authoritative: a 404 from the registry means the name is not registered.
type RDAPChecker struct {
	logger       *slog.Logger
	limiter      *ratelimit.Limiter
	client       *http.Client
	bootstrapURL string

	mu          sync.Mutex
	bases       map[string]string
	bootstrapAt time.Time
}

// RDAPOption configures an RDAPChecker.
type RDAPOption func(*RDAPChecker)

// WithRDAPHTTPClient overrides the HTTP client (tests).
func WithRDAPHTTPClient(client *http.Client) RDAPOption {
	return func(c *RDAPChecker) {
		c.client = client
	}
}

// WithBootstrapURL overrides the IANA bootstrap registry URL (tests).
func WithBootstrapURL(url string) RDAPOption {
	return func(c *RDAPChecker) {
		c.bootstrapURL = url
	}
}

// NewRDAPChecker builds the checker.
func NewRDAPChecker(limiter *ratelimit.Limiter, logger *slog.Logger, opts ...RDAPOption) *RDAPChecker {
	c := &RDAPChecker{
		logger:       logger,
		limiter:      limiter,
		client:       &http.Client{Timeout: 10 * time.Second},
		bootstrapURL: ianaBootstrapURL,
		bases:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RDAPChecker) Kind() domain.CheckerKind {
	return domain.KindRDAP
}

func (c *RDAPChecker) Check(ctx context.Context, name string) domain.CheckResult {
	startedAt := time.Now()
	if err := c.limiter.AcquireForDomain(ctx, ratelimit.ClassRDAP, name); err != nil {
		return limitErrResult(domain.KindRDAP, startedAt, err)
	}

	details := map[string]any{}

	base, err := c.baseForTLD(ctx, tldOf(name))
	if err != nil {
		details["stage"] = "bootstrap"
		return result(domain.KindRDAP, domain.OutcomeInconclusive, details, startedAt, err)
	}
	if base == "" {
		details["no_rdap_service"] = true
		return result(domain.KindRDAP, domain.OutcomeInconclusive, details, startedAt, nil)
	}
	details["base"] = base

	url := strings.TrimSuffix(base, "/") + "/domain/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result(domain.KindRDAP, domain.OutcomeError, details, startedAt, err)
	}
	req.Header.Set("Accept", "application/rdap+json")
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return result(domain.KindRDAP, domain.OutcomeInconclusive, details, startedAt, err)
	}
	defer resp.Body.Close()

	details["status_code"] = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return result(domain.KindRDAP, domain.OutcomeUnregistered, details, startedAt, nil)
	case resp.StatusCode == http.StatusOK:
		var doc rdapDomain
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			details["malformed"] = true
			return result(domain.KindRDAP, domain.OutcomeInconclusive, details, startedAt,
				domain.NewError(domain.KindProtocol, "rdap", err))
		}
		doc.fill(details)
		return result(domain.KindRDAP, domain.OutcomeRegistered, details, startedAt, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return result(domain.KindRDAP, domain.OutcomeInconclusive, details, startedAt,
			domain.NewError(domain.KindRemoteFailure, "rdap", fmt.Errorf("status %d", resp.StatusCode)))
	default:
		return result(domain.KindRDAP, domain.OutcomeError, details, startedAt, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// baseForTLD resolves the RDAP base URL for a TLD from the IANA bootstrap
// registry, refreshing the cached table when stale. Returns "" when the TLD
// has no RDAP service.
func (c *RDAPChecker) baseForTLD(ctx context.Context, tld string) (string, error) {
	c.mu.Lock()
	fresh := time.Since(c.bootstrapAt) < bootstrapTTL && len(c.bases) > 0
	base, known := c.bases[tld]
	c.mu.Unlock()
	if fresh {
		if known {
			return base, nil
		}
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bootstrapURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bootstrap status %d", resp.StatusCode)
	}

	var table struct {
		Services [][2][]string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return "", domain.NewError(domain.KindProtocol, "rdap bootstrap", err)
	}

	bases := make(map[string]string)
	for _, svc := range table.Services {
		tlds, urls := svc[0], svc[1]
		if len(urls) == 0 {
			continue
		}
		for _, t := range tlds {
			bases[strings.ToLower(t)] = urls[0]
		}
	}

	c.mu.Lock()
	c.bases = bases
	c.bootstrapAt = time.Now()
	base = c.bases[tld]
	c.mu.Unlock()
	return base, nil
}

func tldOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// rdapDomain is the subset of an RDAP domain object we report upstream.
type rdapDomain struct {
	LDHName  string   `json:"ldhName"`
	Handle   string   `json:"handle"`
	Statuses []string `json:"status"`
	Events   []struct {
		Action string `json:"eventAction"`
		Date   string `json:"eventDate"`
	} `json:"events"`
	Entities []struct {
		Roles      []string `json:"roles"`
		VCardArray []any    `json:"vcardArray"`
	} `json:"entities"`
	Nameservers []struct {
		LDHName string `json:"ldhName"`
	} `json:"nameservers"`
}

func (d *rdapDomain) fill(details map[string]any) {
	if d.Handle != "" {
		details["handle"] = d.Handle
	}
	if len(d.Statuses) > 0 {
		details["statuses"] = d.Statuses
	}
	events := make(map[string]string, len(d.Events))
	for _, e := range d.Events {
		events[e.Action] = e.Date
	}
	if len(events) > 0 {
		details["events"] = events
	}
	if reg := d.registrar(); reg != "" {
		details["registrar"] = reg
	}
	if len(d.Nameservers) > 0 {
		hosts := make([]string, 0, len(d.Nameservers))
		for _, ns := range d.Nameservers {
			hosts = append(hosts, ns.LDHName)
		}
		details["nameservers"] = hosts
	}
}

// registrar digs the registrar's formatted name out of the jCard entity.
func (d *rdapDomain) registrar() string {
	for _, ent := range d.Entities {
		isRegistrar := false
		for _, role := range ent.Roles {
			if role == "registrar" {
				isRegistrar = true
				break
			}
		}
		if !isRegistrar || len(ent.VCardArray) < 2 {
			continue
		}
		props, ok := ent.VCardArray[1].([]any)
		if !ok {
			continue
		}
		for _, p := range props {
			prop, ok := p.([]any)
			if !ok || len(prop) < 4 {
				continue
			}
			if key, ok := prop[0].(string); ok && key == "fn" {
				if name, ok := prop[3].(string); ok {
					return name
				}
			}
		}
	}
	return ""
}
