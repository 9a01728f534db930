package shutdown

import (
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestCoordinator_TriggerIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	assert.Check(t, !c.Triggered())

	// A storm of concurrent triggers must collapse to a single transition.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()

	assert.Check(t, c.Triggered())
}

func TestCoordinator_AllWaitersReleased(t *testing.T) {
	c := NewCoordinator()

	const waiters = 50
	released := make(chan struct{}, waiters)
	var ready sync.WaitGroup
	for i := 0; i < waiters; i++ {
		ready.Add(1)
		go func() {
			ready.Done()
			<-c.Done()
			released <- struct{}{}
		}()
	}
	ready.Wait()

	// nobody should be released before the trigger
	select {
	case <-released:
		t.Fatal("waiter released before trigger")
	case <-time.After(50 * time.Millisecond):
	}

	c.Trigger()

	for i := 0; i < waiters; i++ {
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never released", i)
		}
	}
}

func TestCoordinator_DoneBeforeTrigger(t *testing.T) {
	c := NewCoordinator()

	// Obtaining the channel before the trigger and waiting after it must not block.
	done := c.Done()
	c.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pre-registered waiter missed the broadcast")
	}
	assert.Check(t, cmp.Equal(c.Triggered(), true))
}
