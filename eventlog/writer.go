package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/beekeeper/errors"
)

// Writer appends records to one log file.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	fsync   bool
	now     func() time.Time
	segment string
	closed  bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFsync syncs the file after every append.
func WithFsync(enabled bool) WriterOption {
	return func(w *Writer) {
		w.fsync = enabled
	}
}

// WithWriterClock sets the time source for record timestamps.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// OpenWriter opens path for appending, creating it and its directory if
// needed. An empty file gets an init marker.
func OpenWriter(path string, opts ...WriterOption) (*Writer, error) {
	if path == "" {
		return nil, errors.InvalidInput("event log path is empty")
	}
	w := &Writer{
		path: filepath.Clean(path),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	w.file = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() == 0 {
		if err := w.writeInitLocked(); err != nil {
			f.Close()
			return nil, err
		}
		return w, nil
	}
	w.segment = readSegment(f, info.Size())
	return w, nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Segment returns the id from the current init marker.
func (w *Writer) Segment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment
}

// Append writes one update record and returns it as it will be read back.
func (w *Writer) Append(p Payload) (Entry, error) {
	data, err := encodeData(p)
	if err != nil {
		return Entry{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Entry{}, errors.Closed("event log writer")
	}

	l := line{
		ID:        uuid.NewString(),
		Timestamp: w.now().UTC(),
		Data:      data,
	}
	if err := w.writeLineLocked(l); err != nil {
		return Entry{}, err
	}
	return Entry{ID: l.ID, Timestamp: l.Timestamp, Kind: p.EventKind(), Data: data}, nil
}

// Reset truncates the log and starts a new segment.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Closed("event log writer")
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate event log: %w", err)
	}
	return w.writeInitLocked()
}

// Close closes the file. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

func (w *Writer) writeInitLocked() error {
	seg := uuid.NewString()
	if err := w.writeLineLocked(line{Timestamp: w.now().UTC(), Segment: seg}); err != nil {
		return err
	}
	w.segment = seg
	return nil
}

func (w *Writer) writeLineLocked(l line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if w.fsync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}
	return nil
}

// readSegment returns the segment id of the init marker on the first line,
// or "" if the first line is incomplete or not a marker.
func readSegment(r io.ReaderAt, size int64) string {
	br := bufio.NewReader(io.NewSectionReader(r, 0, size))
	first, err := br.ReadBytes('\n')
	if err != nil {
		return ""
	}
	seg, _, err := parseLine(first)
	if err != nil {
		return ""
	}
	return seg
}
