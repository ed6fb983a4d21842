package retention

import (
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var segmentPattern = regexp.MustCompile(`\.ndjson\.\d+(\.quarantine)?$`)

// PruneSegments deletes rotated event-log segments older than maxAge. The
// active `.ndjson` files are never touched. Returns how many files were
// removed.
func PruneSegments(dir string, maxAge time.Duration, now time.Time) (int64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-maxAge)
	var removed int64
	for _, ent := range entries {
		if ent.IsDir() || !segmentPattern.MatchString(ent.Name()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, ent.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
