package system_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/kapellan-io/skeleton/httpserver"
	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/system"
	"github.com/kapellan-io/skeleton/termination"
	"github.com/kapellan-io/skeleton/testing/testcontext"
)

func setTerminationHook(t *testing.T, hook func(ctx context.Context, delay time.Duration) error) {
	t.Helper()
	*system.TerminationTestHook = hook
	t.Cleanup(func() {
		*system.TerminationTestHook = termination.Handle
	})
}

func TestSystem_Run(t *testing.T) {
	ctx := testcontext.Background()

	// Wait until everything has been exercised before terminating
	terminationWait := &sync.WaitGroup{}
	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		terminationWait.Wait()
		return termination.ErrTerminated
	})

	sys := system.New()

	sys.AddMetrics(newMockMetricProducer(terminationWait))

	terminationWait.Add(1)
	sys.AddService(func(ctx context.Context) (err error) {
		ctx, span := o11y.StartSpan(ctx, "service")
		defer o11y.End(span, &err)
		terminationWait.Done()
		<-ctx.Done()
		return nil
	})

	sys.AddHealthCheck(newMockHealthChecker())

	cleanupCalled := false
	sys.AddCleanup(func(ctx context.Context) (err error) {
		ctx, span := o11y.StartSpan(ctx, "cleanup")
		defer o11y.End(span, &err)
		cleanupCalled = true
		return nil
	})

	err := sys.Run(ctx, 0)
	assert.Check(t, errors.Is(err, termination.ErrTerminated))

	sys.Cleanup(ctx)
	assert.Check(t, cleanupCalled)
}

func TestSystem_ServiceFatalDrainsSiblings(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		<-ctx.Done()
		return nil
	})

	sys := system.New()

	siblingDrained := make(chan struct{})
	sys.AddService(func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingDrained)
		return nil
	})
	sys.AddService(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("accept loop blew up")
	})

	err := sys.Run(ctx, 0)
	assert.Check(t, cmp.ErrorContains(err, "accept loop blew up"))

	select {
	case <-siblingDrained:
	case <-time.After(time.Second):
		t.Fatal("sibling service never saw the shutdown broadcast")
	}
}

func TestSystem_ExplicitShutdown(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		<-ctx.Done()
		return nil
	})

	sys := system.New()
	sys.AddService(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		sys.Shutdown()
	}()

	assert.Check(t, sys.Run(ctx, 0))
}

func TestSystem_DrainTimeoutIsReportedNotFatal(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		return termination.ErrTerminated
	})

	sys := system.New()
	sys.AddService(func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("%q server: %w", "api", httpserver.ErrDrainTimeout)
	})

	err := sys.Run(ctx, 0)
	assert.Check(t, errors.Is(err, httpserver.ErrDrainTimeout))
	assert.Check(t, o11y.IsWarning(err), "a drain timeout is a warning outcome, not a fatal one")
}

func TestSystem_FatalOutranksDrainTimeout(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		<-ctx.Done()
		return nil
	})

	sys := system.New()
	sys.AddService(func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("%q server: %w", "api", httpserver.ErrDrainTimeout)
	})
	sys.AddService(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return errors.New("fatal runtime error")
	})

	err := sys.Run(ctx, 0)
	assert.Check(t, cmp.ErrorContains(err, "fatal runtime error"))
	assert.Check(t, !o11y.IsWarning(err))
}

func TestSystem_DrainGuardPreventsDeadlock(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		return termination.ErrTerminated
	})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	sys := system.New()
	sys.SetDrainGuard(100 * time.Millisecond)
	// a service that (wrongly) ignores the shutdown broadcast
	sys.AddService(func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	err := sys.Run(ctx, 0)
	assert.Check(t, errors.Is(err, system.ErrDrainStalled))
	assert.Check(t, time.Since(start) < 5*time.Second,
		"the guard must bound the wait for a stuck service")
}

func TestSystem_ServicePanicIsFatal(t *testing.T) {
	ctx := testcontext.Background()

	setTerminationHook(t, func(ctx context.Context, delay time.Duration) error {
		<-ctx.Done()
		return nil
	})

	sys := system.New()

	siblingDrained := make(chan struct{})
	sys.AddService(func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingDrained)
		return nil
	})
	sys.AddService(func(ctx context.Context) error {
		panic("boom")
	})

	err := sys.Run(ctx, 0)
	assert.Check(t, cmp.ErrorContains(err, "panic handled"))

	select {
	case <-siblingDrained:
	case <-time.After(time.Second):
		t.Fatal("sibling service never saw the shutdown broadcast")
	}
}

func TestOutcome_Priority(t *testing.T) {
	fatal := errors.New("fatal")
	drain := fmt.Errorf("api: %w", httpserver.ErrDrainTimeout)

	assert.Check(t, cmp.Equal(system.Outcome(nil), nil))
	assert.Check(t, cmp.Equal(system.Outcome([]error{nil, context.Canceled}), nil))
	assert.Check(t, errors.Is(system.Outcome([]error{termination.ErrTerminated, nil}), termination.ErrTerminated))
	assert.Check(t, errors.Is(system.Outcome([]error{termination.ErrTerminated, drain}), httpserver.ErrDrainTimeout))
	assert.Check(t, errors.Is(system.Outcome([]error{drain, fatal, termination.ErrTerminated}), fatal))
}

type mockMetricProducer struct {
	wg *sync.WaitGroup
}

func newMockMetricProducer(wg *sync.WaitGroup) *mockMetricProducer {
	wg.Add(2)
	return &mockMetricProducer{wg: wg}
}

func (m *mockMetricProducer) MetricName() string {
	m.wg.Done()
	return ""
}

func (m *mockMetricProducer) Gauges(ctx context.Context) map[string]float64 {
	m.wg.Done()
	return map[string]float64{
		"key_a": 1,
		"key_b": 2,
	}
}

type mockHealthChecker struct {
}

func newMockHealthChecker() *mockHealthChecker {
	return &mockHealthChecker{}
}

func (m *mockHealthChecker) HealthChecks() (name string, ready, live func(ctx context.Context) error) {
	return "name", nil, nil
}
