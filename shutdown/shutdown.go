package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/beekeeper/logging"
)

// Shutdown phases used by the daemon.
const (
	PhaseScheduler  = 10
	PhaseServers    = 20
	PhaseSubsystems = 30
	PhaseTelemetry  = 40
)

// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-triggered shutdowns.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout indicates the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more shutdown handlers failed")
)

// Handler is implemented by components stopped during shutdown.
type Handler interface {
	// OnShutdown stops the component. ctx expires at the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer style method to Handler.
func Closer(close func() error) Handler {
	return HandlerFunc(func(context.Context) error { return close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the deadline used by signal-triggered shutdowns.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger logs each handler as it finishes.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithStopOnError skips later phases once a handler fails.
func WithStopOnError() Option {
	return func(c *Coordinator) {
		c.stopOnError = true
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
