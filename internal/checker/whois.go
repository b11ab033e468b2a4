package checker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"domainwatch/internal/domain"
	"domainwatch/internal/ratelimit"
)

// availableMarkers are registry phrasings that mean "no such object". The
// parser catches most registries; these cover TLDs whose responses it does
// not model.
var availableMarkers = []string{
	"no match for",
	"not found",
	"no entries found",
	"domain not found",
	"no data found",
	"status: free",
	"status: available",
	"no object found",
	"object does not exist",
	"the queried object does not exist",
	"no such domain",
	"domain name has not been registered",
	"no matching record",
}

// registeredMarkers are fields only present in records of existing domains.
var registeredMarkers = []string{
	"registrar:",
	"creation date:",
	"created:",
	"registry expiry date:",
	"expiration date:",
	"name server:",
	"nserver:",
	"domain status:",
}

// whoisQueryFunc is injectable so tests can script registry responses.
type whoisQueryFunc func(ctx context.Context, name string) (string, error)

// WHOISChecker performs the expensive port-43 lookup. It is the only
// oracle whose unregistered answer confirms availability.
type WHOISChecker struct {
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	query   whoisQueryFunc
}

// NewWHOISChecker builds the checker on the shared whois client, which
// resolves the responsible registry server per TLD.
func NewWHOISChecker(limiter *ratelimit.Limiter, logger *slog.Logger) *WHOISChecker {
	return &WHOISChecker{
		logger:  logger,
		limiter: limiter,
		query: func(ctx context.Context, name string) (string, error) {
			client := whois.NewClient()
			client.SetTimeout(deadlineTimeout(ctx, 15*time.Second))
			return client.Whois(name)
		},
	}
}

func (c *WHOISChecker) Kind() domain.CheckerKind {
	return domain.KindWHOIS
}

func (c *WHOISChecker) Check(ctx context.Context, name string) domain.CheckResult {
	startedAt := time.Now()
	if err := c.limiter.AcquireForDomain(ctx, ratelimit.ClassWHOIS, name); err != nil {
		return limitErrResult(domain.KindWHOIS, startedAt, err)
	}

	details := map[string]any{}

	raw, err := c.query(ctx, name)
	if err != nil {
		return result(domain.KindWHOIS, domain.OutcomeError, details, startedAt,
			domain.NewError(domain.KindNetwork, "whois", err))
	}

	parsed, parseErr := whoisparser.Parse(raw)
	switch {
	case parseErr == nil:
		fillWHOISDetails(details, parsed)
		return result(domain.KindWHOIS, domain.OutcomeRegistered, details, startedAt, nil)
	case errors.Is(parseErr, whoisparser.ErrNotFoundDomain):
		details["reason"] = "not_found"
		return result(domain.KindWHOIS, domain.OutcomeUnregistered, details, startedAt, nil)
	case errors.Is(parseErr, whoisparser.ErrReservedDomain), errors.Is(parseErr, whoisparser.ErrPremiumDomain):
		// Reserved and premium names cannot be registered normally.
		details["reason"] = "reserved_or_premium"
		return result(domain.KindWHOIS, domain.OutcomeRegistered, details, startedAt, nil)
	case errors.Is(parseErr, whoisparser.ErrDomainLimitExceed):
		details["reason"] = "registry_throttled"
		return result(domain.KindWHOIS, domain.OutcomeInconclusive, details, startedAt,
			domain.NewError(domain.KindRemoteFailure, "whois", parseErr))
	}

	// The parser does not model every registry's response, so fall back to
	// the marker lists before giving up.
	lower := strings.ToLower(raw)
	for _, marker := range registeredMarkers {
		if strings.Contains(lower, marker) {
			details["reason"] = "marker:" + marker
			return result(domain.KindWHOIS, domain.OutcomeRegistered, details, startedAt, nil)
		}
	}
	for _, marker := range availableMarkers {
		if strings.Contains(lower, marker) {
			details["reason"] = "marker:" + marker
			return result(domain.KindWHOIS, domain.OutcomeUnregistered, details, startedAt, nil)
		}
	}

	details["reason"] = "unparseable"
	return result(domain.KindWHOIS, domain.OutcomeInconclusive, details, startedAt,
		domain.NewError(domain.KindProtocol, "whois", parseErr))
}

func fillWHOISDetails(details map[string]any, parsed whoisparser.WhoisInfo) {
	if parsed.Registrar != nil && parsed.Registrar.Name != "" {
		details["registrar"] = parsed.Registrar.Name
	}
	if d := parsed.Domain; d != nil {
		if d.CreatedDate != "" {
			details["creation_date"] = d.CreatedDate
		}
		if d.ExpirationDate != "" {
			details["expiration_date"] = d.ExpirationDate
		}
		// An expiry in the past is a hint the name may drop soon.
		if t := d.ExpirationDateInTime; t != nil && t.Before(time.Now()) {
			details["expired"] = true
		}
		if d.UpdatedDate != "" {
			details["updated_date"] = d.UpdatedDate
		}
		if len(d.Status) > 0 {
			details["statuses"] = d.Status
		}
		if len(d.NameServers) > 0 {
			details["nameservers"] = d.NameServers
		}
	}
}

// deadlineTimeout converts the ctx deadline into the timeout style the
// whois client expects, bounded by fallback.
func deadlineTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return time.Millisecond
	}
	if remaining > fallback {
		return fallback
	}
	return remaining
}
