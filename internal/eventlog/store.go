package eventlog

import (
	"sort"
	"sync"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Store manages one log per component under a shared directory and fans
// appended events out to bus subscribers. The bus is the seam that lets the
// pager and the live feed observe streams without importing their producers.
type Store struct {
	mu   sync.Mutex
	dir  string
	opts Options
	logs map[string]*Log

	busMu sync.RWMutex
	subs  []func(models.Event)
}

// NewStore creates a store rooted at dir. Logs are opened lazily on first use.
func NewStore(dir string, opts Options) *Store {
	return &Store{dir: dir, opts: opts, logs: make(map[string]*Log)}
}

// Log returns the component's log, opening it on first use.
func (s *Store) Log(component string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[component]; ok {
		return l, nil
	}
	l, err := Open(s.dir, component, s.opts)
	if err != nil {
		return nil, err
	}
	l.Subscribe(s.publish)
	s.logs[component] = l
	return l, nil
}

// Append writes to the named component log.
func (s *Store) Append(component string, e models.Event) (int64, error) {
	l, err := s.Log(component)
	if err != nil {
		return 0, err
	}
	return l.Append(e)
}

// Scan queries a single component log.
func (s *Store) Scan(component string, q Query) ([]models.Event, error) {
	l, err := s.Log(component)
	if err != nil {
		return nil, err
	}
	return l.Scan(q)
}

// ScanAll queries every open component log and merges results by timestamp.
func (s *Store) ScanAll(q Query) ([]models.Event, error) {
	s.mu.Lock()
	logs := make([]*Log, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	s.mu.Unlock()

	var out []models.Event
	for _, l := range logs {
		events, err := l.Scan(q)
		if err != nil {
			return out, err
		}
		out = append(out, events...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Subscribe registers fn on the shared bus; it observes appends to every
// component log. Callbacks must not block.
func (s *Store) Subscribe(fn func(models.Event)) {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) publish(e models.Event) {
	s.busMu.RLock()
	defer s.busMu.RUnlock()
	for _, fn := range s.subs {
		fn(e)
	}
}

// Close closes every open log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, l := range s.logs {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
