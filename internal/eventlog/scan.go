package eventlog

import (
	"bufio"
	"encoding/json"
	"hash/crc32"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Query bounds a scan. Zero values mean unbounded on that axis except Limit,
// which defaults to 1000.
type Query struct {
	Kinds []models.Kind
	Since time.Time
	Until time.Time
	Limit int
}

func (q Query) matches(e models.Event) bool {
	if len(q.Kinds) > 0 {
		ok := false
		for _, k := range q.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !q.Since.IsZero() && e.TS.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.TS.Before(q.Until) {
		return false
	}
	return true
}

// Scan reads matching events oldest first. Cost is bounded: at most
// MaxSegments files are opened and at most Limit events returned. A partial
// trailing line is skipped without error; a checksum mismatch quarantines
// the segment and the scan proceeds.
func (l *Log) Scan(q Query) ([]models.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 1000
	}
	l.mu.Lock()
	paths := l.segments()
	l.mu.Unlock()

	var out []models.Event
	for _, path := range paths {
		events, badOffset, err := readSegment(path, l.opts.Checksums)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return out, err
		}
		if badOffset >= 0 {
			l.quarantine(path, badOffset)
			continue
		}
		for _, e := range events {
			if !q.matches(e) {
				continue
			}
			out = append(out, e)
			if len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// readSegment parses one NDJSON file. It returns the events read and, when
// verify is set and a checksum mismatch is found, the byte offset of the bad
// line (-1 otherwise). Unparseable non-trailing lines are quarantined as
// validation errors and skipped; a torn trailing line is ignored.
func readSegment(path string, verify bool) ([]models.Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()

	var (
		out    []models.Event
		offset int64
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		lineLen := int64(len(raw)) + 1

		var env line
		if err := json.Unmarshal(raw, &env); err != nil {
			// Only treat a broken line as torn if nothing follows it.
			if peekEOF(f, offset+lineLen) {
				return out, -1, nil
			}
			log.Warn().Str("segment", path).Int64("offset", offset).Msg("eventlog: skipping malformed record")
			offset += lineLen
			continue
		}
		if verify && env.CRC != 0 {
			body, err := json.Marshal(env.Event)
			if err != nil || crc32.ChecksumIEEE(body) != env.CRC {
				return out, offset, nil
			}
		}
		if !models.KnownKind(env.Kind) {
			log.Warn().Str("segment", path).Str("kind", string(env.Kind)).Msg("eventlog: quarantining record with unknown kind")
			offset += lineLen
			continue
		}
		out = append(out, env.Event)
		offset += lineLen
	}
	if err := sc.Err(); err != nil {
		return out, -1, err
	}
	return out, -1, nil
}

// peekEOF reports whether the file ends at or before off, i.e. the record at
// off is the last (possibly torn) line.
func peekEOF(f *os.File, off int64) bool {
	info, err := f.Stat()
	if err != nil {
		return true
	}
	return off >= info.Size()
}
