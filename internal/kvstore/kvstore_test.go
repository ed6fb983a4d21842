package kvstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/database"
)

func newStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return New(db, func() time.Time { return *now })
}

func TestPutGetDelete(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	_, err := s.Get("worker_count")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("worker_count", "2", 0))
	v, err := s.Get("worker_count")
	require.NoError(t, err)
	require.Equal(t, "2", v)

	require.NoError(t, s.Delete("worker_count"))
	_, err = s.Get("worker_count")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	require.NoError(t, s.Put("cooldown_until", "x", 10*time.Minute))
	_, err := s.Get("cooldown_until")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = s.Get("cooldown_until")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.PruneExpired()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCASClaimsAbsentKeyOnce(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	ok, err := s.CAS("task:slo:2025-01-10T08:00", "", "taken", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// Loser of the race short-circuits.
	ok, err = s.CAS("task:slo:2025-01-10T08:00", "", "taken", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCASSwapsOnMatchOnly(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	require.NoError(t, s.Put("worker_count", "2", 0))

	ok, err := s.CAS("worker_count", "3", "4", 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CAS("worker_count", "2", "3", 0)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.Get("worker_count")
	require.NoError(t, err)
	require.Equal(t, "3", v)
}

func TestCASTreatsExpiredAsAbsent(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	ok, err := s.CAS("lease", "", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.CAS("lease", "", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired value should be claimable again")
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s := newStore(t, &now)

	type rollup struct {
		SpendUSD  float64 `json:"spendUsd"`
		MarginPct float64 `json:"marginPct"`
	}
	require.NoError(t, s.PutJSON("finance_rollup", rollup{SpendUSD: 42.5, MarginPct: 18}, 0))

	var got rollup
	require.NoError(t, s.GetJSON("finance_rollup", &got))
	require.Equal(t, 42.5, got.SpendUSD)
}
