package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/logging"
)

// NotificationType identifies what a Tailer observed.
type NotificationType string

const (
	NotifyLineReceived NotificationType = "line_received"
	NotifyReset        NotificationType = "projection_reset"
	NotifyUpdated      NotificationType = "projection_updated"
	NotifyError        NotificationType = "error"
)

// Notification is sent to Watch subscribers.
type Notification struct {
	Type  NotificationType
	Entry *Entry // line_received only
	Line  int    // 1-based line number for line_received and error
	Err   error  // error only
}

// readRequest is one queued read. full forces a reset and replay.
type readRequest struct {
	full bool
	done chan error
}

// Tailer keeps a Reducer in step with a log file.
type Tailer struct {
	path    string
	reducer Reducer
	logger  *logging.Logger

	mu       sync.Mutex
	queue    []readRequest
	watchers []chan Notification
	watcher  *fsnotify.Watcher

	signal   chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool
	closed   atomic.Bool

	// owned by the worker goroutine once started
	offset  int64
	partial []byte
	lineNo  int
	segment string
}

// TailerOption configures a Tailer.
type TailerOption func(*Tailer)

// WithTailerLogger sets the logger.
func WithTailerLogger(l *logging.Logger) TailerOption {
	return func(t *Tailer) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTailer creates a tailer for path that folds into r.
func NewTailer(path string, r Reducer, opts ...TailerOption) *Tailer {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	t := &Tailer{
		path:    filepath.Clean(path),
		reducer: r,
		logger:  logging.New().WithComponent("eventlog"),
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start watches the file, reads it whole, then follows it until ctx is done
// or Stop is called. A file that cannot be opened fails Start.
func (t *Tailer) Start(ctx context.Context) error {
	if t.closed.Load() {
		return errors.Closed("tailer")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.Conflict("tailer already started")
	}

	// The watch must exist before the first read so a write racing Start
	// still produces an event.
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(t.path)); err != nil {
		_ = fsWatcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}

	if err := t.read(true); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	t.mu.Lock()
	t.watcher = fsWatcher
	t.mu.Unlock()

	t.running.Store(true)
	go t.worker()
	go t.watchLoop(fsWatcher)
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.stopCh:
		}
	}()
	return nil
}

// Stop ends the tail and closes all subscriber channels.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		t.closed.Store(true)
		close(t.stopCh)

		t.mu.Lock()
		if t.watcher != nil {
			_ = t.watcher.Close()
		}
		t.mu.Unlock()

		if t.running.Load() {
			<-t.done
		}

		t.mu.Lock()
		for _, req := range t.queue {
			if req.done != nil {
				req.done <- errors.Closed("tailer")
			}
		}
		t.queue = nil
		for _, ch := range t.watchers {
			close(ch)
		}
		t.watchers = nil
		t.mu.Unlock()
	})
}

// Watch returns a channel of notifications. Slow subscribers miss
// notifications rather than block the tail.
func (t *Tailer) Watch() (<-chan Notification, error) {
	if t.closed.Load() {
		return nil, errors.Closed("tailer")
	}
	ch := make(chan Notification, 64)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch, nil
}

// Sync queues a read and waits until it has been folded.
func (t *Tailer) Sync(ctx context.Context) error {
	if !t.running.Load() {
		return errors.NotReady("tailer")
	}
	done := t.enqueue(false)
	if done == nil {
		return errors.Closed("tailer")
	}
	select {
	case err := <-done:
		return err
	case <-t.stopCh:
		return errors.Closed("tailer")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for tailer")
	}
}

func (t *Tailer) enqueue(full bool) chan error {
	if t.closed.Load() {
		return nil
	}
	done := make(chan error, 1)
	t.mu.Lock()
	t.queue = append(t.queue, readRequest{full: full, done: done})
	t.mu.Unlock()
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return done
}

func (t *Tailer) worker() {
	defer close(t.done)
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.signal:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			req := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()

			err := t.read(req.full)
			if req.done != nil {
				req.done <- err
			}

			select {
			case <-t.stopCh:
				return
			default:
			}
		}
	}
}

func (t *Tailer) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case <-t.stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			t.enqueue(false)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watch_error", map[string]interface{}{"path": t.path, "error": err.Error()})
			t.notify(Notification{Type: NotifyError, Err: err})
		}
	}
}

// read folds whatever is new in the file. Only the worker (or Start, before
// the worker exists) calls it.
func (t *Tailer) read(full bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		err = fmt.Errorf("open event log: %w", err)
		t.notify(Notification{Type: NotifyError, Err: err})
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		err = fmt.Errorf("stat event log: %w", err)
		t.notify(Notification{Type: NotifyError, Err: err})
		return err
	}

	seg := readSegment(f, info.Size())
	replaced := t.segment != "" && seg != "" && seg != t.segment
	if full || info.Size() < t.offset || replaced {
		t.resetState()
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek event log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		err = fmt.Errorf("read event log: %w", err)
		t.notify(Notification{Type: NotifyError, Err: err})
		return err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	var stats ReplayStats
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		raw := buf[:i]
		buf = buf[i+1:]
		if len(bytes.TrimSpace(raw)) == 0 {
			t.lineNo++
			continue
		}
		t.lineNo++
		lineNo := t.lineNo
		entry, reset := fold(t.reducer, raw, lineNo, &stats, func(n int, err error) {
			t.logger.ReplayWarning(t.path, n, err)
			t.notify(Notification{Type: NotifyError, Line: n, Err: err})
		})
		switch {
		case reset:
			t.segment, _, _ = parseLine(raw)
			t.notify(Notification{Type: NotifyReset})
		case entry != nil:
			t.notify(Notification{Type: NotifyLineReceived, Entry: entry, Line: lineNo})
		}
	}
	t.partial = append([]byte(nil), buf...)

	if stats.Applied > 0 || stats.Resets > 0 {
		t.notify(Notification{Type: NotifyUpdated})
	}
	return nil
}

func (t *Tailer) resetState() {
	t.reducer.Reset()
	t.offset = 0
	t.partial = nil
	t.lineNo = 0
	t.segment = ""
	t.notify(Notification{Type: NotifyReset})
}

func (t *Tailer) notify(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}
