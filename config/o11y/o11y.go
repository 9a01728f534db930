// Package o11y wires up the concrete observability stack: a zap logger for
// structured output, statsd for metrics and rollbar for crash reporting.
//
// Setup must be called exactly once, before anything else logs, and the
// returned cleanup must only run at final process exit. Initialising twice in
// one process is a programming error and is rejected loudly.
package o11y

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rollbar/rollbar-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kapellan-io/skeleton/config/secret"
	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/o11y/zaplog"
)

// ErrAlreadySetup is returned when Setup is called a second time in one process.
var ErrAlreadySetup = errors.New("o11y already set up: Setup must be called exactly once per process")

type Config struct {
	Statsd            string
	RollbarToken      secret.String
	RollbarEnv        string
	RollbarServerRoot string
	Format            string
	Version           string
	Service           string
	StatsNamespace    string

	// Optional
	Mode                    string
	Debug                   bool
	RollbarDisabled         bool
	StatsdTelemetryDisabled bool
}

var (
	mu    sync.Mutex
	ready bool
)

// Setup is the primary entrypoint to initialise the o11y system both in development and production.
//
// It returns a context carrying the provider, and a cleanup that flushes the
// logger and closes the statsd and rollbar clients.
func Setup(ctx context.Context, o Config) (context.Context, func(context.Context), error) {
	mu.Lock()
	defer mu.Unlock()
	if ready {
		return nil, nil, ErrAlreadySetup
	}

	logger, err := newLogger(o)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := newMetrics(o)
	if err != nil {
		return nil, nil, err
	}

	o11yProvider := zaplog.New(zaplog.Config{
		Logger:  logger,
		Metrics: metrics,
	})
	o11yProvider.AddGlobalField("service", o.Service)
	o11yProvider.AddGlobalField("version", o.Version)
	if o.Mode != "" {
		o11yProvider.AddGlobalField("mode", o.Mode)
	}

	hostname, _ := os.Hostname()
	if o.RollbarToken != "" {
		client := rollbar.NewAsync(o.RollbarToken.Raw(), o.RollbarEnv, o.Version, hostname, o.RollbarServerRoot)
		client.SetEnabled(!o.RollbarDisabled)
		client.Message(rollbar.INFO, "Deployment")
		o11yProvider = rollBarProvider{
			Provider:      o11yProvider,
			rollBarClient: client,
		}
	}

	ready = true
	ctx = o11y.WithProvider(ctx, o11yProvider)

	return ctx, o11yProvider.Close, nil
}

func newLogger(o Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if o.Debug {
		level = zap.DebugLevel
	}

	var enc zapcore.Encoder
	switch o.Format {
	case "", "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "text":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "color":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("unknown log format: %q", o.Format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

func newMetrics(o Config) (o11y.ClosableMetricsProvider, error) {
	if o.Statsd == "" {
		return &statsd.NoOpClient{}, nil
	}

	hostname, _ := os.Hostname()
	tags := []string{
		"service:" + o.Service,
		"version:" + o.Version,
		"hostname:" + hostname,
	}
	if o.Mode != "" {
		tags = append(tags, "mode:"+o.Mode)
	}

	statsdOpts := []statsd.Option{
		statsd.WithNamespace(o.StatsNamespace),
		statsd.WithTags(tags),
	}
	if o.StatsdTelemetryDisabled {
		statsdOpts = append(statsdOpts, statsd.WithoutTelemetry())
	}

	return statsd.New(o.Statsd, statsdOpts...)
}

type rollBarProvider struct {
	o11y.Provider
	rollBarClient *rollbar.Client
}

func (p rollBarProvider) Close(ctx context.Context) {
	p.Provider.Close(ctx)
	_ = p.rollBarClient.Close()
}

func (p rollBarProvider) RollBarClient() *rollbar.Client {
	return p.rollBarClient
}
