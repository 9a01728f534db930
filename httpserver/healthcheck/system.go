package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/kapellan-io/skeleton/httpserver"
	"github.com/kapellan-io/skeleton/system"
)

type Config struct {
	// Addr is the admin listen address.
	Addr string
	// DrainGrace is passed through to the admin listener. Optional.
	DrainGrace time.Duration
}

// Load should be called last, so it collects the health checks from
// everything already registered with the system.
func Load(ctx context.Context, cfg Config, sys *system.System) (*httpserver.HTTPServer, error) {
	healthAPI, err := New(ctx, sys.HealthChecks())
	if err != nil {
		return nil, fmt.Errorf("error creating health check API: %w", err)
	}

	return httpserver.Load(ctx, httpserver.Config{
		Name:       "admin",
		Addr:       cfg.Addr,
		Handler:    healthAPI.Handler(),
		DrainGrace: cfg.DrainGrace,
	}, sys)
}
