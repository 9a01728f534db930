// Package shutdown provides the one-shot broadcast that coordinates graceful
// termination. Any number of goroutines may race Trigger; only the first call
// has any effect, and every waiter on Done is released exactly once.
package shutdown

import "sync"

type Coordinator struct {
	once sync.Once
	done chan struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		done: make(chan struct{}),
	}
}

// Trigger moves the coordinator from running to shutting down. It is
// idempotent and safe for concurrent use; calls after the first are no-ops.
func (c *Coordinator) Trigger() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done returns a channel that is closed once Trigger has been called.
// Waiters must obtain the channel before the supervisor starts concurrent
// execution so that no waiter can miss the broadcast.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Triggered reports whether shutdown has begun.
func (c *Coordinator) Triggered() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
