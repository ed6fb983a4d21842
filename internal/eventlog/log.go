package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/veldt-labs/opsplane/internal/models"
)

// ErrStorageFull is returned when an append cannot be made durable because
// the backing volume is out of space and the retry deadline elapsed.
var ErrStorageFull = errors.New("eventlog: storage full")

// CorruptionError reports a checksum mismatch. The affected segment is
// quarantined and scanning proceeds with the remaining segments.
type CorruptionError struct {
	Segment string
	Offset  int64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("eventlog: corruption in %s at offset %d", e.Segment, e.Offset)
}

// Options tune a single component log.
type Options struct {
	SegmentBytes int64 // rotate when the active segment exceeds this
	MaxSegments  int   // scan cost bound; older segments beyond this are ignored
	Checksums    bool  // write and verify a per-line crc32

	// MinFreeBytes below which appends are treated as storage-full.
	MinFreeBytes uint64
	// FullRetry is how long append blocks waiting for space before
	// surfacing ErrStorageFull.
	FullRetry time.Duration

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.SegmentBytes <= 0 {
		o.SegmentBytes = 8 * 1024 * 1024
	}
	if o.MaxSegments <= 0 {
		o.MaxSegments = 16
	}
	if o.MinFreeBytes == 0 {
		o.MinFreeBytes = 32 * 1024 * 1024
	}
	if o.FullRetry <= 0 {
		o.FullRetry = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// line is the on-disk envelope: the event fields plus an optional checksum.
type line struct {
	models.Event
	CRC uint32 `json:"crc32,omitempty"`
}

// Log is an append-only NDJSON log for one component, rotated by size or day
// boundary. Writers serialize on one mutex; once a byte range is written it
// is never overwritten.
type Log struct {
	mu     sync.Mutex
	dir    string
	name   string
	opts   Options
	active *os.File
	size   int64
	day    string // yyyy-mm-dd of the active segment
	nextID int64

	subs []func(models.Event)
}

// Open creates or resumes the log for the named component under dir. The
// next event ID resumes past the highest ID found on disk.
func Open(dir, name string, opts Options) (*Log, error) {
	opts.defaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{dir: dir, name: name, opts: opts}

	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	l.active = f
	l.size = info.Size()
	l.day = opts.Now().UTC().Format("2006-01-02")
	l.nextID = l.recoverNextID()
	return l, nil
}

func (l *Log) activePath() string {
	return filepath.Join(l.dir, l.name+".ndjson")
}

// Subscribe registers fn to observe every appended event. Callbacks run on
// the appender's goroutine and must not block.
func (l *Log) Subscribe(fn func(models.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// Append assigns the next monotonic ID, writes the event as one NDJSON line
// and fsyncs before returning. Blocks up to FullRetry when the volume is
// out of space, then surfaces ErrStorageFull.
func (l *Log) Append(e models.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now().UTC()
	if e.TS.IsZero() {
		e.TS = now
	} else {
		e.TS = e.TS.UTC()
	}
	e.ID = l.nextID

	if day := now.Format("2006-01-02"); day != l.day || l.size >= l.opts.SegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
		l.day = day
	}

	env := line{Event: e}
	if l.opts.Checksums {
		raw, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		env.CRC = crc32.ChecksumIEEE(raw)
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	buf = append(buf, '\n')

	deadline := now.Add(l.opts.FullRetry)
	for {
		if free := l.freeBytes(); free > 0 && free < l.opts.MinFreeBytes {
			if l.opts.Now().After(deadline) {
				return 0, ErrStorageFull
			}
			time.Sleep(250 * time.Millisecond)
			continue
		}
		break
	}

	n, err := l.active.Write(buf)
	if err != nil {
		if isNoSpace(err) {
			return 0, ErrStorageFull
		}
		return 0, err
	}
	if err := l.active.Sync(); err != nil {
		return 0, err
	}
	l.size += int64(n)
	l.nextID++

	for _, fn := range l.subs {
		fn(e)
	}
	return e.ID, nil
}

// Rotate closes the active segment, renames it to the next segment number
// and starts a fresh active file. Rename is atomic; the directory is fsynced
// afterwards so the rotation itself is durable.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if l.size == 0 {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		return err
	}
	if err := l.active.Close(); err != nil {
		return err
	}

	seg := l.highestSegment() + 1
	if err := os.Rename(l.activePath(), fmt.Sprintf("%s.%d", l.activePath(), seg)); err != nil {
		return err
	}
	if err := syncDir(l.dir); err != nil {
		return err
	}

	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.active = f
	l.size = 0
	return nil
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.Sync(); err != nil {
		l.active.Close()
		return err
	}
	return l.active.Close()
}

// segments returns segment paths oldest first, bounded by MaxSegments, with
// the active file last. Quarantined segments are excluded.
func (l *Log) segments() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return []string{l.activePath()}
	}
	prefix := l.name + ".ndjson."
	type seg struct {
		n    int
		path string
	}
	var segs []seg
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), prefix) || strings.HasSuffix(ent.Name(), ".quarantine") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(ent.Name(), prefix))
		if err != nil {
			continue
		}
		segs = append(segs, seg{n, filepath.Join(l.dir, ent.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].n < segs[j].n })
	if max := l.opts.MaxSegments - 1; len(segs) > max {
		segs = segs[len(segs)-max:]
	}
	paths := make([]string, 0, len(segs)+1)
	for _, s := range segs {
		paths = append(paths, s.path)
	}
	return append(paths, l.activePath())
}

func (l *Log) highestSegment() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	prefix := l.name + ".ndjson."
	highest := 0
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), prefix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(ent.Name(), prefix), ".quarantine")
		if n, err := strconv.Atoi(rest); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// recoverNextID finds the highest event ID across readable segments.
func (l *Log) recoverNextID() int64 {
	var highest int64 = -1
	for _, path := range l.segments() {
		events, _, err := readSegment(path, l.opts.Checksums)
		if err != nil {
			continue
		}
		if n := len(events); n > 0 && events[n-1].ID > highest {
			highest = events[n-1].ID
		}
	}
	return highest + 1
}

func (l *Log) freeBytes() uint64 {
	usage, err := disk.Usage(l.dir)
	if err != nil {
		return 0
	}
	return usage.Free
}

// quarantine renames a corrupt segment aside so subsequent scans skip it.
func (l *Log) quarantine(path string, offset int64) {
	log.Warn().Err(&CorruptionError{Segment: path, Offset: offset}).Msg("eventlog: quarantining corrupt segment")
	if err := os.Rename(path, path+".quarantine"); err != nil {
		log.Error().Err(err).Str("segment", path).Msg("eventlog: quarantine rename failed")
	}
}

func isNoSpace(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no space left")
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
