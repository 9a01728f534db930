package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/shutdown"
	"github.com/kapellan-io/skeleton/termination"
)

// ErrDrainStalled reports that a service failed to resolve within the drain
// guard after shutdown was triggered. That breaks the service's own drain
// contract, so it is logged at error severity, but the process still exits
// rather than deadlock.
var ErrDrainStalled = errors.New("shutdown drain stalled: a service failed to resolve in time")

// DefaultDrainGuard bounds how long Run waits for services to resolve once
// shutdown has been triggered. It should comfortably exceed the longest
// listener drain grace.
const DefaultDrainGuard = 35 * time.Second

type HealthChecker interface {
	// HealthChecks returns the name of the checked subsystem, and its
	// ready and live checks. Either check may be nil.
	HealthChecks() (name string, ready, live func(ctx context.Context) error)
}

type System struct {
	coord      *shutdown.Coordinator
	drainGuard time.Duration

	services        []func(context.Context) error
	healthChecks    []HealthChecker
	metricProducers []MetricProducer
	cleanups        []func(ctx context.Context) error
}

func New() *System {
	return &System{
		coord:      shutdown.NewCoordinator(),
		drainGuard: DefaultDrainGuard,
	}
}

var terminationTestHook = termination.Handle

// Run starts the signal watcher and every registered service concurrently,
// then blocks until the system has shut down. Registration is closed the
// moment Run is called: all services share one shutdown broadcast, so none
// can miss it.
//
// The returned error is the aggregate outcome, in deterministic priority:
// a fatal service error, then a drain timeout warning, then
// termination.ErrTerminated for a clean signal shutdown, then nil.
func (r *System) Run(ctx context.Context, delay time.Duration) (err error) {
	ctx, span := o11y.StartSpan(ctx, "system: run")
	defer o11y.End(span, &err)
	span.RecordMetric(o11y.Timing("system.run", "result"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The coordinator collapses every shutdown source into one cancellation.
	go func() {
		<-r.coord.Done()
		cancel()
	}()
	// Unblock the goroutine above on every exit path.
	defer r.coord.Trigger()

	tasks := make([]func(context.Context) error, 0, len(r.services)+2)
	tasks = append(tasks, func(ctx context.Context) error {
		return terminationTestHook(ctx, delay)
	})
	tasks = append(tasks, r.services...)

	// if we have any metrics add the metrics worker
	if len(r.metricProducers) > 0 {
		tasks = append(tasks, metricsReporter(r.metricProducers))
	}

	results := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, f := range tasks {
		// Capture, so we don't overwrite when the goroutines start in parallel.
		i, f := i, f
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					_, span := o11y.StartSpan(runCtx, "system: service panic")
					results[i] = o11y.HandlePanic(runCtx, span, p, nil)
					span.End()
					r.coord.Trigger()
				}
			}()
			res := f(runCtx)
			results[i] = res
			if res != nil {
				// The first terminal event shuts the whole system down,
				// so the sibling services drain too.
				r.coord.Trigger()
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-r.coord.Done():
		// Shutting down: bound the drain so a stuck service cannot
		// leave the process deadlocked.
		select {
		case <-finished:
		case <-time.After(r.drainGuard):
			o11y.LogError(ctx, "system: drain stalled, exiting anyway", ErrDrainStalled,
				o11y.Field("drain_guard", r.drainGuard.String()))
			return ErrDrainStalled
		}
	}

	return outcome(results)
}

// Shutdown triggers a coordinated shutdown without an OS signal or a service
// failure, for callers that decide to stop for their own reasons. Idempotent.
func (r *System) Shutdown() {
	r.coord.Trigger()
}

// SetDrainGuard overrides DefaultDrainGuard. Call it with the configured
// listener drain grace plus a little headroom.
func (r *System) SetDrainGuard(d time.Duration) {
	r.drainGuard = d
}

// AddService registers a long-running service. Services receive a context
// that is cancelled when shutdown is triggered, and must return once their
// in-flight work has drained. Must be called before Run.
func (r *System) AddService(s func(ctx context.Context) error) {
	r.services = append(r.services, s)
}

func (r *System) AddHealthCheck(h HealthChecker) {
	r.healthChecks = append(r.healthChecks, h)
}

func (r *System) AddMetrics(m MetricProducer) {
	r.metricProducers = append(r.metricProducers, m)
}

func (r *System) AddCleanup(c func(ctx context.Context) error) {
	r.cleanups = append(r.cleanups, c)
}

func (r *System) HealthChecks() []HealthChecker {
	return r.healthChecks
}

func (r *System) Cleanup(ctx context.Context) {
	for _, c := range r.cleanups {
		err := c(ctx)
		if err != nil {
			o11y.Log(ctx, "system: cleanup error", o11y.Field("error", err))
		}
	}
}

// outcome collapses the collected service results into the single process
// outcome. A real runtime failure beats a drain timeout, which beats a clean
// signal shutdown. Context cancellation is the expected shape of a drained
// service and counts as clean.
func outcome(results []error) error {
	var fatal, warning, terminated error
	for _, err := range results {
		switch {
		case err == nil:
		case errors.Is(err, termination.ErrTerminated):
			terminated = err
		case errors.Is(err, context.Canceled):
		case o11y.IsWarning(err):
			if warning == nil {
				warning = err
			}
		default:
			if fatal == nil {
				fatal = err
			}
		}
	}
	switch {
	case fatal != nil:
		return fatal
	case warning != nil:
		return warning
	default:
		return terminated
	}
}
