package flags

import (
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Store is a hot-reloadable flag map backed by a JSON file. Reload is a
// whole-file swap under one lock: a malformed file keeps the previous map,
// so a flag that existed before a bad write can never flip to enabled by
// accident. Reloads are driven by an fsnotify watcher when available and by
// an mtime stat on each read otherwise.
type Store struct {
	mu      sync.RWMutex
	path    string
	flags   map[string]models.Flag
	mtime   time.Time
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads path (creating an empty file when absent) and starts the
// change watcher.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, flags: make(map[string]models.Flag), done: make(chan struct{})}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			return nil, err
		}
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err == nil && w.Add(path) == nil {
		s.watcher = w
		go s.watch()
	} else if w != nil {
		w.Close()
	}
	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := s.reload(); err != nil {
					log.Warn().Err(err).Msg("flags_load_error: keeping previous flag map")
				}
				// Editors replace the file; re-arm the watch on the new inode.
				s.watcher.Add(s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("flags: watcher error")
		}
	}
}

// reload swaps the in-memory map for the file contents. On any error the
// previous map stays in place.
func (s *Store) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	fresh := make(map[string]models.Flag)
	if err := json.Unmarshal(raw, &fresh); err != nil {
		return err
	}
	s.mu.Lock()
	s.flags = fresh
	s.mtime = info.ModTime()
	s.mu.Unlock()
	return nil
}

// maybeReload covers the case where the watcher missed a change (or could
// not start): a cheap stat per read, reload only on mtime movement.
func (s *Store) maybeReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	stale := info.ModTime().After(s.mtime)
	s.mu.RUnlock()
	if stale {
		if err := s.reload(); err != nil {
			log.Warn().Err(err).Msg("flags_load_error: keeping previous flag map")
		}
	}
}

// IsEnabled evaluates the flag: global switch, then environment membership,
// then rollout bucket. Unknown flags are disabled.
func (s *Store) IsEnabled(name, userID, env string) bool {
	s.maybeReload()
	s.mu.RLock()
	f, ok := s.flags[name]
	s.mu.RUnlock()
	if !ok || !f.Enabled {
		return false
	}
	if len(f.Environments) > 0 {
		member := false
		for _, e := range f.Environments {
			if e == env {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}
	if f.RolloutPct >= 100 {
		return true
	}
	if f.RolloutPct <= 0 {
		return false
	}
	return Bucket(userID, name) < f.RolloutPct
}

// Bucket deterministically places a user in [0,100) for a flag, so the same
// user sees consistent behavior across components.
func Bucket(userID, name string) int {
	h := fnv.New32a()
	h.Write([]byte(userID + name))
	return int(h.Sum32() % 100)
}

// GetAll returns a copy of the current flag map.
func (s *Store) GetAll() map[string]models.Flag {
	s.maybeReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Flag, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// Set upserts a flag and persists the whole map back to the file.
func (s *Store) Set(name string, f models.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.UpdatedAt = time.Now().UTC()
	s.flags[name] = f
	raw, err := json.MarshalIndent(s.flags, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}
	return nil
}

// SeedDefault writes a flag only when the file does not define it yet, so
// environment-derived defaults never clobber an operator's file edit.
func (s *Store) SeedDefault(name string, f models.Flag) error {
	s.mu.RLock()
	_, ok := s.flags[name]
	s.mu.RUnlock()
	if ok {
		return nil
	}
	return s.Set(name, f)
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
