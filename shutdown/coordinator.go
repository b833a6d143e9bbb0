package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/beekeeper/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	timeout     time.Duration
	logger      *logging.Logger
	stopOnError bool

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  logging.Nop(),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function handler to a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Shutdown runs every phase. Only the first call does work; later calls wait
// for it and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown with a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts a shutdown on SIGINT or SIGTERM.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger simulates a signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before shutdown has finished.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.result.Err
	default:
		return nil
	}
}

// Result returns the detailed outcome, or nil before shutdown has finished.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	var failures []error
	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		return result
	}

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(errors.Join(append(failures, ErrTimeout)...))
		}

		phaseResults := c.runPhase(ctx, group)
		result.Handlers = append(result.Handlers, phaseResults...)
		for _, hr := range phaseResults {
			if hr.Err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if len(failures) > 0 && c.stopOnError {
			break
		}
	}

	if len(failures) > 0 {
		return finish(fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failures...)))
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, r := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			began := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}
			results[idx] = hr

			fields := map[string]interface{}{
				"handler":  hr.Name,
				"phase":    hr.Phase,
				"duration": hr.Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Error("shutdown handler failed", fields)
				return
			}
			c.logger.Debug("shutdown handler done", fields)
		}(i, r)
	}

	wg.Wait()
	return results
}

// groupByPhase splits handlers sorted by phase into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
