package testcontext

import (
	"context"

	"go.uber.org/zap"

	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/o11y/zaplog"
)

// ctx is a global singleton, initialised at package time to avoid racy
// construction of the provider from parallel tests.
var ctx = newContext()

// Background returns a context for use in tests which contains a working o11y, so you get logs.
func Background() context.Context {
	return ctx
}

func newContext() context.Context {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return o11y.WithProvider(context.Background(), zaplog.New(zaplog.Config{
		Logger: logger,
	}))
}
