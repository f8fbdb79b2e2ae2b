// Package logging implements the structured JSON-lines logger every
// component logs through: a zerolog-backed writer that keeps a bounded
// in-memory ring buffer of recent events (for internal/diagnostics) and
// rotates on-disk session log files, keeping only the newest N. Grounded on
// ManuGH-xg2g's zerolog usage pattern (see DESIGN.md); the keep-latest-N
// rotation idiom is generalized from
// tomtom215-lyrebirdaudio-go/internal/stream's rotating-writer shape
// (rotate by count, not by line-oriented FFmpeg output).
package logging

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one structured log record, kept for diagnostics export.
type Event struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// ringCapacity is the number of recent events kept in memory for
// internal/diagnostics's bundle export, per spec.md's "persisted state"
// bullet (last 200 events).
const ringCapacity = 200

// Logger is the structured event sink used throughout the orchestrator.
type Logger struct {
	zl   zerolog.Logger
	file *os.File

	mu        sync.Mutex
	ring      []Event
	ringStart int
	truncated bool
}

// New opens (creating parent directories as needed) a JSON-lines log file
// at path and wires it to a zerolog writer, then applies keep-latest-N
// rotation in dir before returning.
func New(dir, filename string, keepLatest int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	if err := Rotate(dir, keepLatest); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Logger{
		zl:   zerolog.New(f).With().Timestamp().Logger(),
		file: f,
		ring: make([]Event, 0, ringCapacity),
	}, nil
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Event logs a structured event by its stable name and records it in the
// ring buffer.
func (l *Logger) Event(name string, fields map[string]any) {
	evt := l.zl.Info()
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(name)

	l.mu.Lock()
	defer l.mu.Unlock()
	record := Event{Name: name, Fields: fields, Time: time.Now()}
	if len(l.ring) < ringCapacity {
		l.ring = append(l.ring, record)
	} else {
		l.ring[l.ringStart] = record
		l.ringStart = (l.ringStart + 1) % ringCapacity
		l.truncated = true
	}
}

// PerfMark emits the stable perf.mark event, a best-effort mirror of
// whatever structured event preceded it (see DESIGN.md decision #2: the
// structured event is canonical, the perf mark is a secondary signal).
func (l *Logger) PerfMark(name string) {
	l.Event("perf.mark", map[string]any{"name": name})
}

// RecentEvents returns up to the last 200 events in chronological order,
// and whether the buffer has dropped older events ("truncated").
func (l *Logger) RecentEvents() ([]Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ring) < ringCapacity {
		out := make([]Event, len(l.ring))
		copy(out, l.ring)
		return out, false
	}
	out := make([]Event, ringCapacity)
	for i := 0; i < ringCapacity; i++ {
		out[i] = l.ring[(l.ringStart+i)%ringCapacity]
	}
	return out, l.truncated
}

type logFileInfo struct {
	name    string
	modTime time.Time
}

// Rotate keeps only the newest keepLatest "*.log" files in dir, using
// (mtime desc, name asc) as the deterministic tie-break, per DESIGN.md's
// log-rotation grounding.
func Rotate(dir string, keepLatest int) error {
	if keepLatest <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var files []logFileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFileInfo{name: e.Name(), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].name < files[j].name
	})

	if len(files) <= keepLatest {
		return nil
	}
	for _, f := range files[keepLatest:] {
		_ = os.Remove(filepath.Join(dir, f.name))
	}
	return nil
}
