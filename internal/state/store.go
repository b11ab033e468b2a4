// Package state persists the monitored set across restarts. Writes are
// atomic: a reader observes either the previous or the new snapshot,
// never a partial blend.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"domainwatch/internal/domain"
	"domainwatch/pkg/platform/sentinel"
)

const stateFile = "state.json"

// Snapshot is the persisted form of the monitored set. The rate limiter
// and in-flight set are deliberately absent; both are reconstructed on
// boot.
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	InstanceID string          `json:"instance_id"`
	Domains    []domain.Record `json:"domains"`
}

// Store reads and writes snapshots under a single directory. Writes are
// serialised so the temp-and-rename protocol stays atomic.
type Store struct {
	logger *slog.Logger
	dir    string

	mu sync.Mutex
}

// New creates the store, making the state directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewError(domain.KindPersistence, "state mkdir", err)
	}
	return &Store{logger: logger, dir: dir}, nil
}

// Path returns the canonical snapshot path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFile)
}

// Save writes the snapshot: serialise to a temp file in the same
// directory, fsync, rename over the canonical path.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, stateFile+".*.tmp")
	if err != nil {
		return domain.NewError(domain.KindPersistence, "state create temp", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return domain.NewError(domain.KindPersistence, "state encode", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.NewError(domain.KindPersistence, "state fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.NewError(domain.KindPersistence, "state close", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return domain.NewError(domain.KindPersistence, "state rename", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot. A
// malformed file is moved aside to state.corrupt.<unix> and an empty
// snapshot is returned so the service can start clean.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, domain.NewError(domain.KindPersistence, "state read", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		quarantine := filepath.Join(s.dir, fmt.Sprintf("state.corrupt.%d", time.Now().Unix()))
		if mvErr := os.Rename(s.Path(), quarantine); mvErr != nil {
			s.logger.Error("failed to quarantine corrupt state file", "error", mvErr)
		} else {
			s.logger.Error("state file corrupt, moved aside and starting empty",
				"quarantine", quarantine, "error", err)
		}
		return Snapshot{}, fmt.Errorf("%w: %w", sentinel.ErrCorrupt, err)
	}
	return snap, nil
}

// Writable probes whether the state directory still accepts writes. Used
// by the health endpoint.
func (s *Store) Writable() error {
	probe, err := os.CreateTemp(s.dir, ".probe.*")
	if err != nil {
		return domain.NewError(domain.KindPersistence, "state probe", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
