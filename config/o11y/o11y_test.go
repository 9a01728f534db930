package o11y

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/kapellan-io/skeleton/o11y"
)

func reset() {
	mu.Lock()
	defer mu.Unlock()
	ready = false
}

func TestSetup(t *testing.T) {
	defer reset()

	ctx, cleanup, err := Setup(context.Background(), Config{
		Service: "test-service",
		Version: "1.2.3",
		Format:  "text",
	})
	assert.Assert(t, err)
	defer cleanup(ctx)

	provider := o11y.FromContext(ctx)
	assert.Check(t, provider != o11y.NoopProvider())

	// should be usable straight away
	o11y.Log(ctx, "setup complete", o11y.Field("key", "value"))
}

func TestSetup_Twice(t *testing.T) {
	defer reset()

	ctx, cleanup, err := Setup(context.Background(), Config{
		Service: "test-service",
		Format:  "text",
	})
	assert.Assert(t, err)
	defer cleanup(ctx)

	_, _, err = Setup(context.Background(), Config{
		Service: "test-service",
		Format:  "text",
	})
	assert.Check(t, errors.Is(err, ErrAlreadySetup))
}

func TestSetup_BadFormat(t *testing.T) {
	defer reset()

	_, _, err := Setup(context.Background(), Config{
		Service: "test-service",
		Format:  "yaml",
	})
	assert.Check(t, cmp.ErrorContains(err, "unknown log format"))
}
