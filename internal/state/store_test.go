package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domainwatch/internal/domain"
	"domainwatch/pkg/platform/sentinel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	snap := Snapshot{
		Timestamp:  now,
		InstanceID: "test-1",
		Domains: []domain.Record{
			{
				Name:                "example.com",
				Priority:            true,
				LastCheckedAt:       now.Add(-time.Minute),
				NextCheckAt:         now.Add(time.Hour),
				ConsecutiveFailures: 2,
				LastVerdict:         domain.StatusConfirmedAvailable,
				LastConfidence:      0.95,
				LastReportedStatus:  domain.StatusConfirmedAvailable,
			},
			{Name: "other.org", NextCheckAt: now, LastVerdict: domain.StatusUnknown},
		},
	}
	require.NoError(t, s.Save(snap))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-1", loaded.InstanceID)
	require.Len(t, loaded.Domains, 2)
	assert.Equal(t, snap.Domains[0].Name, loaded.Domains[0].Name)
	assert.Equal(t, snap.Domains[0].LastVerdict, loaded.Domains[0].LastVerdict)
	assert.Equal(t, snap.Domains[0].LastReportedStatus, loaded.Domains[0].LastReportedStatus)
	assert.Equal(t, snap.Domains[0].ConsecutiveFailures, loaded.Domains[0].ConsecutiveFailures)
	assert.True(t, snap.Domains[0].NextCheckAt.Equal(loaded.Domains[0].NextCheckAt))
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Domains)
}

func TestLoadCorruptFileQuarantines(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	snap, err := s.Load()
	assert.ErrorIs(t, err, sentinel.ErrCorrupt)
	assert.Empty(t, snap.Domains)

	// The broken file was moved aside, not deleted.
	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))
	matches, globErr := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), "state.corrupt.*"))
	require.NoError(t, globErr)
	assert.Len(t, matches, 1)
}

// A save leaves no temp droppings and replaces the file atomically.
func TestSaveLeavesOnlyCanonicalFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Snapshot{Timestamp: time.Now()}))
	require.NoError(t, s.Save(Snapshot{Timestamp: time.Now()}))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(s.Path()), entries[0].Name())
}

func TestWritable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Writable())
}
