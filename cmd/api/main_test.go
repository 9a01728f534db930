package main

import (
	"errors"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/kapellan-io/skeleton/httpserver"
	"github.com/kapellan-io/skeleton/termination"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "clean", err: nil, want: exitOK},
		{name: "terminated", err: termination.ErrTerminated, want: exitOK},
		{
			name: "wrapped termination",
			err:  fmt.Errorf("system run: %w", termination.ErrTerminated),
			want: exitOK,
		},
		{
			name: "drain timeout",
			err:  fmt.Errorf("%q server: %w", "api", httpserver.ErrDrainTimeout),
			want: exitDrainTimeout,
		},
		{
			name: "startup failure",
			err:  startupError{errors.New("failed to bind")},
			want: exitStartupFailure,
		},
		{
			name: "runtime failure",
			err:  errors.New("accept loop blew up"),
			want: exitRuntimeFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Check(t, cmp.Equal(exitCode(tt.err), tt.want))
		})
	}
}

func TestStartupError_Unwraps(t *testing.T) {
	inner := errors.New("bad config")
	err := startupError{inner}
	assert.Check(t, errors.Is(err, inner))
	assert.Check(t, isStartupError(fmt.Errorf("wrapped: %w", err)))
	assert.Check(t, !isStartupError(inner))
}
