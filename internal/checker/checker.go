// Package checker implements the single-oracle probes the pipeline fuses
// into verdicts. Each checker acquires its rate limit class token, performs
// one probe with the caller's deadline, and maps the oracle's answer onto
// the closed outcome set.
package checker

import (
	"context"
	"time"

	"domainwatch/internal/domain"
)

// Checker is a single availability oracle.
type Checker interface {
	Kind() domain.CheckerKind
	Check(ctx context.Context, name string) domain.CheckResult
}

// result assembles a CheckResult with timing filled in.
func result(kind domain.CheckerKind, outcome domain.Outcome, details map[string]any, startedAt time.Time, err error) domain.CheckResult {
	r := domain.CheckResult{
		Kind:       kind,
		Outcome:    outcome,
		Details:    details,
		StartedAt:  startedAt,
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// limitErrResult maps a rate limiter failure to a check result. A deadline
// that elapsed while queued is not evidence about the domain.
func limitErrResult(kind domain.CheckerKind, startedAt time.Time, err error) domain.CheckResult {
	outcome := domain.OutcomeError
	if domain.KindOf(err) == domain.KindRateTimeout {
		outcome = domain.OutcomeInconclusive
	}
	return result(kind, outcome, map[string]any{"stage": "rate_limit"}, startedAt, err)
}
