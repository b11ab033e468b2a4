package checker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"domainwatch/internal/domain"
	"domainwatch/internal/ratelimit"
)

// lookup functions are injectable so tests can script resolver behaviour.
type (
	nsLookupFunc   func(ctx context.Context, name string) ([]*net.NS, error)
	hostLookupFunc func(ctx context.Context, name string) ([]string, error)
)

// DNSChecker resolves NS and A/AAAA records. NS records present means the
// domain is delegated and therefore registered; NXDOMAIN on both queries
// means the name does not exist in DNS.
type DNSChecker struct {
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
	lookupNS   nsLookupFunc
	lookupHost hostLookupFunc
}

// NewDNSChecker builds the checker with a Go resolver pinned to public
// recursors so answers do not depend on the host's split-horizon setup.
func NewDNSChecker(limiter *ratelimit.Limiter, logger *slog.Logger) *DNSChecker {
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, "8.8.8.8:53")
		},
	}
	return &DNSChecker{
		logger:     logger,
		limiter:    limiter,
		lookupNS:   resolver.LookupNS,
		lookupHost: resolver.LookupHost,
	}
}

func (c *DNSChecker) Kind() domain.CheckerKind {
	return domain.KindDNS
}

func (c *DNSChecker) Check(ctx context.Context, name string) domain.CheckResult {
	startedAt := time.Now()
	if err := c.limiter.AcquireForDomain(ctx, ratelimit.ClassDNS, name); err != nil {
		return limitErrResult(domain.KindDNS, startedAt, err)
	}

	details := map[string]any{"queries": []string{"NS", "A/AAAA"}}

	nsRecords, nsErr := c.lookupNS(ctx, name)
	if nsErr == nil && len(nsRecords) > 0 {
		hosts := make([]string, 0, len(nsRecords))
		for _, ns := range nsRecords {
			hosts = append(hosts, ns.Host)
		}
		details["nameservers"] = hosts
		return result(domain.KindDNS, domain.OutcomeRegistered, details, startedAt, nil)
	}

	addrs, hostErr := c.lookupHost(ctx, name)
	if hostErr == nil && len(addrs) > 0 {
		details["addresses"] = addrs
		return result(domain.KindDNS, domain.OutcomeRegistered, details, startedAt, nil)
	}

	// Unregistered only when both queries came back NXDOMAIN.
	if isNXDomain(nsErr) && isNXDomain(hostErr) {
		details["nxdomain"] = true
		return result(domain.KindDNS, domain.OutcomeUnregistered, details, startedAt, nil)
	}

	for _, err := range []error{nsErr, hostErr} {
		if isSoftFailure(err) {
			details["error_type"] = "servfail_or_timeout"
			return result(domain.KindDNS, domain.OutcomeInconclusive, details, startedAt, err)
		}
	}

	err := nsErr
	if err == nil {
		err = hostErr
	}
	return result(domain.KindDNS, domain.OutcomeError, details, startedAt, err)
}

func isNXDomain(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// isSoftFailure covers SERVFAIL and timeouts, where the resolver answered
// badly rather than the name not existing.
func isSoftFailure(err error) bool {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return false
	}
	return dnsErr.IsTimeout || dnsErr.IsTemporary
}
