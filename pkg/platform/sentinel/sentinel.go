package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so callers can translate them into the
// monitor's error taxonomy.
//
// These represent factual states about resources, not probe outcomes:
// - ErrNotFound: entity does not exist (registry record, state file)
// - ErrCorrupt: persisted data exists but cannot be decoded
// - ErrUnavailable: service or resource temporarily unavailable
// - ErrLockHeld: another instance owns the dispatch lease
// - ErrClosed: component already shut down
var (
	ErrNotFound    = errors.New("not found")
	ErrCorrupt     = errors.New("corrupt")
	ErrUnavailable = errors.New("unavailable")
	ErrLockHeld    = errors.New("lock held")
	ErrClosed      = errors.New("closed")
)
