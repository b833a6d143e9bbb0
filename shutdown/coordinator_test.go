package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/beekeeper/logging"
)

// TestSingleHandler tests a shutdown with one handler.
func TestSingleHandler(t *testing.T) {
	coord := NewCoordinator()

	called := false
	coord.RegisterFunc("scheduler", PhaseScheduler, func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}

	result := coord.Result()
	if result == nil {
		t.Fatal("expected Result to be non-nil")
	}
	if len(result.Handlers) != 1 || result.Handlers[0].Name != "scheduler" {
		t.Fatalf("unexpected handler results %+v", result.Handlers)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

// TestPhaseOrder tests that lower phases run first.
func TestPhaseOrder(t *testing.T) {
	coord := NewCoordinator()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFunc("telemetry", PhaseTelemetry, record("telemetry"))
	coord.RegisterFunc("registry", PhaseSubsystems, record("registry"))
	coord.RegisterFunc("scheduler", PhaseScheduler, record("scheduler"))
	coord.RegisterFunc("metrics", PhaseServers, record("metrics"))

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := "scheduler,metrics,registry,telemetry"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("expected order %s, got %s", want, got)
	}
}

// TestSamePhaseRunsConcurrently tests that handlers in one phase overlap.
func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator()

	var both sync.WaitGroup
	both.Add(2)
	wait := func(ctx context.Context) error {
		both.Done()
		done := make(chan struct{})
		go func() {
			both.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	coord.RegisterFunc("tasks", PhaseSubsystems, wait)
	coord.RegisterFunc("registry", PhaseSubsystems, wait)

	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("handlers in the same phase did not overlap: %v", err)
	}
}

// TestHandlerErrorContinues tests that a failure does not skip later phases.
func TestHandlerErrorContinues(t *testing.T) {
	coord := NewCoordinator()

	boom := errors.New("boom")
	var later atomic.Bool
	coord.RegisterFunc("metrics", PhaseServers, func(context.Context) error { return boom })
	coord.RegisterFunc("registry", PhaseSubsystems, func(context.Context) error {
		later.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(5 * time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error in chain, got %v", err)
	}
	if !later.Load() {
		t.Fatal("expected later phase to run")
	}

	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "metrics" {
		t.Fatalf("expected [metrics], got %v", failed)
	}
}

// TestStopOnError tests that WithStopOnError skips later phases.
func TestStopOnError(t *testing.T) {
	coord := NewCoordinator(WithStopOnError())

	var later atomic.Bool
	coord.RegisterFunc("metrics", PhaseServers, func(context.Context) error { return errors.New("boom") })
	coord.RegisterFunc("registry", PhaseSubsystems, func(context.Context) error {
		later.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if later.Load() {
		t.Fatal("expected later phase to be skipped")
	}
}

// TestTimeout tests that an expired deadline stops the remaining phases.
func TestTimeout(t *testing.T) {
	coord := NewCoordinator()

	var later atomic.Bool
	coord.RegisterFunc("scheduler", PhaseScheduler, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	coord.RegisterFunc("registry", PhaseSubsystems, func(context.Context) error {
		later.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if later.Load() {
		t.Fatal("expected later phase to be skipped after the deadline")
	}
}

// TestShutdownRunsOnce tests that repeated calls share the first result.
func TestShutdownRunsOnce(t *testing.T) {
	coord := NewCoordinator()

	var calls atomic.Int32
	coord.RegisterFunc("registry", PhaseSubsystems, func(context.Context) error {
		calls.Add(1)
		return errors.New("close failed")
	})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = coord.ShutdownWithTimeout(time.Second)
		}(i)
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 handler call, got %d", n)
	}
	for i, err := range errs {
		if !errors.Is(err, ErrHandlerFailed) {
			t.Fatalf("call %d: expected ErrHandlerFailed, got %v", i, err)
		}
	}
}

// TestSignalTriggersShutdown tests the signal path via Trigger.
func TestSignalTriggersShutdown(t *testing.T) {
	coord := NewCoordinator(WithTimeout(time.Second))

	var called atomic.Bool
	coord.RegisterFunc("scheduler", PhaseScheduler, func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not start after signal")
	}
	if !called.Load() {
		t.Fatal("expected handler to be called")
	}
	if coord.Err() != nil {
		t.Fatalf("expected no error, got %v", coord.Err())
	}
}

// TestResultBeforeDone tests accessors before shutdown.
func TestResultBeforeDone(t *testing.T) {
	coord := NewCoordinator()
	if coord.Result() != nil {
		t.Fatal("expected nil Result before shutdown")
	}
	if coord.Err() != nil {
		t.Fatal("expected nil Err before shutdown")
	}
}

// TestEmptyShutdown tests a shutdown without handlers.
func TestEmptyShutdown(t *testing.T) {
	coord := NewCoordinator()
	if err := coord.ShutdownWithTimeout(0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(coord.Result().Handlers) != 0 {
		t.Fatal("expected no handler results")
	}
}

// TestCloser tests the Closer adapter.
func TestCloser(t *testing.T) {
	closed := false
	h := Closer(func() error {
		closed = true
		return nil
	})
	if err := h.OnShutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if !closed {
		t.Fatal("expected close to be called")
	}
}

// TestLoggerReportsFailures tests that failed handlers are logged.
func TestLoggerReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)

	coord := NewCoordinator(WithLogger(log))
	coord.RegisterFunc("metrics", PhaseServers, func(context.Context) error { return errors.New("listener stuck") })
	_ = coord.ShutdownWithTimeout(time.Second)

	out := buf.String()
	if !strings.Contains(out, "shutdown handler failed") || !strings.Contains(out, "listener stuck") {
		t.Fatalf("expected failure in log output, got %q", out)
	}
}

// TestGroupByPhase tests grouping of sorted registrations.
func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); groups != nil {
		t.Fatalf("expected nil groups, got %v", groups)
	}

	groups := groupByPhase([]registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 30},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected grouping %v", groups)
	}
}
