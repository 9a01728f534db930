package httpserver

import (
	"context"

	"github.com/kapellan-io/skeleton/system"
)

// Load constructs the server, binding its address, and registers it with the
// system so it serves once the system runs and drains when it shuts down.
func Load(ctx context.Context, cfg Config, sys *system.System) (*HTTPServer, error) {
	server, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sys.AddService(server.Serve)
	sys.AddMetrics(server.MetricsProducer())
	return server, nil
}
