package termination

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"

	"github.com/kapellan-io/skeleton/testing/testcontext"
)

func TestHandle_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testcontext.Background())

	g := errgroup.Group{}
	g.Go(func() error {
		return Handle(ctx, 0)
	})

	cancel()
	assert.Check(t, g.Wait())
}

func TestHandle_Signal(t *testing.T) {
	ctx := testcontext.Background()

	g := errgroup.Group{}
	g.Go(func() error {
		return Handle(ctx, 0)
	})

	// give Handle a moment to register the signal handler
	time.Sleep(100 * time.Millisecond)
	assert.Assert(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	err := g.Wait()
	assert.Check(t, errors.Is(err, ErrTerminated))
}

func TestHandle_SecondSignalSkipsDelay(t *testing.T) {
	ctx := testcontext.Background()

	start := time.Now()
	g := errgroup.Group{}
	g.Go(func() error {
		return Handle(ctx, time.Minute)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Assert(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	time.Sleep(100 * time.Millisecond)
	assert.Assert(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	err := g.Wait()
	assert.Check(t, errors.Is(err, ErrTerminated))
	assert.Check(t, time.Since(start) < 10*time.Second,
		"second signal should have cut the delay short")
}
