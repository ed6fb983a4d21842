package flags

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/models"
)

func writeFlags(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	// mtime granularity on some filesystems is one second; nudge it forward
	// so the stat fallback notices the change.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.json")
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestUnknownFlagDisabled(t *testing.T) {
	s, _ := newStore(t)
	require.False(t, s.IsEnabled("AUTOSCALE_ENABLED", "", "production"))
}

func TestGlobalSwitchAndEnvFilter(t *testing.T) {
	s, path := newStore(t)
	writeFlags(t, path, `{
		"AUTOSCALE_ENABLED": {"enabled": true, "rolloutPct": 100},
		"STABILIZE_MODE": {"enabled": true, "rolloutPct": 100, "environments": ["staging"]}
	}`)

	require.True(t, s.IsEnabled("AUTOSCALE_ENABLED", "", "production"))
	require.False(t, s.IsEnabled("STABILIZE_MODE", "", "production"))
	require.True(t, s.IsEnabled("STABILIZE_MODE", "", "staging"))
}

func TestRolloutBucketingDeterministic(t *testing.T) {
	s, path := newStore(t)
	writeFlags(t, path, `{"NEW_PATH": {"enabled": true, "rolloutPct": 50}}`)

	first := s.IsEnabled("NEW_PATH", "user-42", "production")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, s.IsEnabled("NEW_PATH", "user-42", "production"))
	}
	require.Equal(t, Bucket("user-42", "NEW_PATH"), Bucket("user-42", "NEW_PATH"))
}

func TestRolloutEdges(t *testing.T) {
	s, path := newStore(t)
	writeFlags(t, path, `{
		"ALL": {"enabled": true, "rolloutPct": 100},
		"NONE": {"enabled": true, "rolloutPct": 0}
	}`)
	require.True(t, s.IsEnabled("ALL", "anyone", "production"))
	require.False(t, s.IsEnabled("NONE", "anyone", "production"))
}

func TestMalformedFileKeepsPreviousMap(t *testing.T) {
	s, path := newStore(t)
	writeFlags(t, path, `{"SAFE": {"enabled": true, "rolloutPct": 100}}`)
	require.True(t, s.IsEnabled("SAFE", "", "production"))

	writeFlags(t, path, `{"SAFE": {"enabled": fal`)
	// Previous map must survive the bad write.
	require.True(t, s.IsEnabled("SAFE", "", "production"))
	require.False(t, s.IsEnabled("NEVER_EXISTED", "", "production"))
}

func TestSetPersists(t *testing.T) {
	s, path := newStore(t)
	require.NoError(t, s.Set("AUTOSCALE_ENABLED", models.Flag{Enabled: true, RolloutPct: 100}))

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()
	require.True(t, s2.IsEnabled("AUTOSCALE_ENABLED", "", "production"))
}

func TestSeedDefaultOnlyFillsGaps(t *testing.T) {
	s, path := newStore(t)

	// Absent flag: the seed lands and persists.
	require.NoError(t, s.SeedDefault("AUTOSCALE_ENABLED", models.Flag{Enabled: true, RolloutPct: 100}))
	require.True(t, s.IsEnabled("AUTOSCALE_ENABLED", "", "production"))

	// Present flag: the operator's value stays.
	require.NoError(t, s.Set("STABILIZE_MODE", models.Flag{Enabled: true, RolloutPct: 100}))
	require.NoError(t, s.SeedDefault("STABILIZE_MODE", models.Flag{Enabled: false}))
	require.True(t, s.IsEnabled("STABILIZE_MODE", "", "production"))

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()
	require.True(t, s2.IsEnabled("AUTOSCALE_ENABLED", "", "production"))
}
