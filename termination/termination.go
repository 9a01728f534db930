// Package termination watches for OS termination signals and converts the
// first one into a single shutdown decision.
package termination

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kapellan-io/skeleton/o11y"
)

var ErrTerminated = errors.New("terminated")

// Handle blocks until the process receives SIGINT or SIGTERM, then waits for
// delay before returning ErrTerminated. The delay gives load balancers time
// to deregister the instance before it starts draining.
//
// Handle is single-shot: a second signal during the delay does not act as a
// separate trigger, it only cuts the remaining delay short. If the context is
// cancelled first (something else decided to shut down) Handle returns nil.
func Handle(ctx context.Context, delay time.Duration) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		o11y.Log(ctx, "termination: signal received",
			o11y.Field("signal", sig.String()),
			o11y.Field("delay", delay.String()),
		)
		wait(ctx, quit, delay)
		return ErrTerminated
	case <-ctx.Done():
		return nil
	}
}

func wait(ctx context.Context, quit <-chan os.Signal, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case sig := <-quit:
		o11y.Log(ctx, "termination: second signal, skipping shutdown delay",
			o11y.Field("signal", sig.String()),
		)
	case <-ctx.Done():
	}
}
