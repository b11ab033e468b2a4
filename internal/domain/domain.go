package domain

import (
	"strings"
	"time"
)

// Status is the monitor's current classification of a domain.
type Status string

const (
	StatusUnknown            Status = "unknown"
	StatusLikelyTaken        Status = "likely_taken"
	StatusLikelyAvailable    Status = "likely_available"
	StatusConfirmedAvailable Status = "confirmed_available"
)

// IsValid checks if the status is one of the supported enum values.
func (s Status) IsValid() bool {
	switch s {
	case StatusUnknown, StatusLikelyTaken, StatusLikelyAvailable, StatusConfirmedAvailable:
		return true
	}
	return false
}

// Available reports whether the status is an available variant. Availability
// events are only emitted for these statuses.
func (s Status) Available() bool {
	return s == StatusLikelyAvailable || s == StatusConfirmedAvailable
}

// String returns the string representation.
func (s Status) String() string {
	return string(s)
}

// CheckerKind identifies which oracle produced a check result.
type CheckerKind string

const (
	KindDNS   CheckerKind = "dns"
	KindHTTP  CheckerKind = "http"
	KindRDAP  CheckerKind = "rdap"
	KindWHOIS CheckerKind = "whois"
)

// IsValid checks if the checker kind is one of the supported values.
func (k CheckerKind) IsValid() bool {
	switch k {
	case KindDNS, KindHTTP, KindRDAP, KindWHOIS:
		return true
	}
	return false
}

// String returns the string representation.
func (k CheckerKind) String() string {
	return string(k)
}

// Outcome is a single oracle's view of a domain's registration state.
type Outcome string

const (
	OutcomeRegistered   Outcome = "registered"
	OutcomeUnregistered Outcome = "unregistered"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeError        Outcome = "error"
)

// Conclusive reports whether the outcome carries a definite signal.
func (o Outcome) Conclusive() bool {
	return o == OutcomeRegistered || o == OutcomeUnregistered
}

// WireResult maps an outcome to the callback API's result vocabulary. The
// callback speaks in availability terms, not registration terms.
func (o Outcome) WireResult() string {
	switch o {
	case OutcomeUnregistered:
		return "available"
	case OutcomeRegistered:
		return "unavailable"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// CheckResult is one oracle's output for one probe of one domain.
type CheckResult struct {
	Kind       CheckerKind    `json:"checker_kind"`
	Outcome    Outcome        `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
}

// Verdict is the pipeline's fused classification for a domain at one moment.
type Verdict struct {
	Status       Status        `json:"status"`
	Confidence   float64       `json:"confidence"`
	Contributing []CheckResult `json:"contributing"`
}

// ResultFor returns the first contributing result from the given checker
// kind, or nil if that oracle did not run.
func (v Verdict) ResultFor(kind CheckerKind) *CheckResult {
	for i := range v.Contributing {
		if v.Contributing[i].Kind == kind {
			return &v.Contributing[i]
		}
	}
	return nil
}

// Record is the per-domain state held in the registry and persisted across
// restarts. The zero value plus a name is a freshly added domain.
type Record struct {
	Name                string    `json:"name"`
	Priority            bool      `json:"priority"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitzero"`
	NextCheckAt         time.Time `json:"next_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastVerdict         Status    `json:"last_verdict"`
	LastConfidence      float64   `json:"last_confidence"`
	LastReportedStatus  Status    `json:"last_reported_status,omitempty"`
}

// NormalizeName canonicalises a domain name: lowercased, surrounding
// whitespace and the trailing dot stripped. The registry is keyed by the
// normalised form so the monitored set stays duplicate free.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}
