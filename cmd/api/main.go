package main

import (
	"context"
	"errors"
	"log" //nolint:depguard // non-o11y log is allowed for a top-level fatal
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kapellan-io/skeleton/api"
	o11yconf "github.com/kapellan-io/skeleton/config/o11y"
	"github.com/kapellan-io/skeleton/config/secret"
	"github.com/kapellan-io/skeleton/httpserver"
	"github.com/kapellan-io/skeleton/httpserver/healthcheck"
	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/system"
	"github.com/kapellan-io/skeleton/termination"
)

// Overridden via ldflags at release build time.
var (
	version = "dev"
	date    = "unknown"
)

type cli struct {
	APIAddr   string `env:"API_ADDR" default:":8000" help:"The address for the API to listen on"`
	AdminAddr string `env:"ADMIN_ADDR" default:":8001" help:"The address for the admin api to listen on"`

	ShutdownDelay time.Duration `env:"SHUTDOWN_DELAY" default:"0s" hidden:"" help:"Delay shutdown by this amount"`
	DrainGrace    time.Duration `env:"DRAIN_GRACE" default:"30s" help:"How long in-flight requests get to finish once shutdown is triggered"`

	O11yStatsd       string        `name:"o11y-statsd" env:"O11Y_STATSD" help:"Address to send statsd metrics"`
	O11yFormat       string        `name:"o11y-format" env:"O11Y_FORMAT" enum:"json,color,text" default:"json" help:"Format used for stderr logging"`
	O11yRollbarToken secret.String `name:"o11y-rollbar-token" env:"O11Y_ROLLBAR_TOKEN"`
	O11yRollbarEnv   string        `name:"o11y-rollbar-env" env:"O11Y_ROLLBAR_ENV" default:"production"`
	Debug            bool          `env:"DEBUG" help:"Enable debug logging"`
}

// Exit codes are part of the operational contract: orchestrators rely on them
// to tell an expected shutdown from a crash. They must stay stable across
// releases for the same failure class.
const (
	exitOK             = 0
	exitRuntimeFailure = 1
	exitStartupFailure = 2
	exitDrainTimeout   = 3
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	err := run(version, date)
	code := exitCode(err)
	if code != exitOK {
		log.Println("exiting:", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, termination.ErrTerminated):
		return exitOK
	case errors.Is(err, httpserver.ErrDrainTimeout):
		return exitDrainTimeout
	case isStartupError(err):
		return exitStartupFailure
	default:
		return exitRuntimeFailure
	}
}

// startupError marks failures from before the system started running
// concurrently, so they map to their own exit code.
type startupError struct {
	err error
}

func (e startupError) Error() string { return "startup: " + e.err.Error() }
func (e startupError) Unwrap() error { return e.err }

func isStartupError(err error) bool {
	var se startupError
	return errors.As(err, &se)
}

func run(version, date string) (err error) {
	cli := cli{}
	kong.Parse(&cli)

	ctx, o11yCleanup, err := o11yconf.Setup(context.Background(), o11yconf.Config{
		Statsd:            cli.O11yStatsd,
		RollbarToken:      cli.O11yRollbarToken,
		RollbarEnv:        cli.O11yRollbarEnv,
		RollbarServerRoot: "github.com/kapellan-io/skeleton",
		Format:            cli.O11yFormat,
		Version:           version,
		Service:           "skeleton",
		StatsNamespace:    "kapellan.skeleton.",
		Mode:              "api",
		Debug:             cli.Debug,
	})
	if err != nil {
		return startupError{err}
	}
	defer o11yCleanup(ctx)

	ctx, runSpan := o11y.StartSpan(ctx, "main: run")
	defer o11y.End(runSpan, &err)

	o11y.Log(ctx, "starting api",
		o11y.Field("version", version),
		o11y.Field("date", date),
	)

	sys := system.New()
	defer sys.Cleanup(ctx)
	sys.SetDrainGuard(cli.DrainGrace + 5*time.Second)

	err = loadAPI(ctx, cli, sys)
	if err != nil {
		return startupError{err}
	}

	// Should be last so it collects all the health checks
	_, err = healthcheck.Load(ctx, healthcheck.Config{
		Addr:       cli.AdminAddr,
		DrainGrace: cli.DrainGrace,
	}, sys)
	if err != nil {
		return startupError{err}
	}

	return sys.Run(ctx, cli.ShutdownDelay)
}

func loadAPI(ctx context.Context, cli cli, sys *system.System) error {
	a := api.New(ctx, api.Options{Version: version})

	_, err := httpserver.Load(ctx, httpserver.Config{
		Name:       "api",
		Addr:       cli.APIAddr,
		Handler:    a.Handler(),
		DrainGrace: cli.DrainGrace,
	}, sys)
	return err
}
