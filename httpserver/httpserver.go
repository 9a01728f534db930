package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kapellan-io/skeleton/o11y"
)

// ErrDrainTimeout reports that the grace period elapsed before all in-flight
// connections completed, and the remainder were forcibly closed. It is a
// warning class error: visible in the process outcome, but not a fatal
// failure on its own.
var ErrDrainTimeout = o11y.NewWarning("drain timeout: in-flight connections were forcibly closed")

// DefaultDrainGrace bounds how long in-flight requests have to complete once
// shutdown has been triggered, unless the config says otherwise.
const DefaultDrainGrace = 30 * time.Second

type HTTPServer struct {
	name       string
	drainGrace time.Duration
	listener   *trackedListener
	server     *http.Server
}

type Config struct {
	// Name is the name of the server in o11y
	Name string
	// Addr is the address to listen on
	Addr string
	// Handler is the HTTP handler to delegate requests to.
	Handler http.Handler

	// Optional
	// Network must be "tcp", "tcp4", "tcp6", "unix", "unixpacket" or "" (which defaults to tcp).
	Network string
	// DrainGrace is how long in-flight connections get to complete after
	// shutdown is triggered, before they are forcibly closed.
	// Defaults to DefaultDrainGrace.
	DrainGrace time.Duration
}

// New binds the listen address immediately. A bind conflict is a startup
// failure surfaced to the caller; it is deliberately not retried, a template
// service should fail fast on a port conflict rather than mask it.
func New(ctx context.Context, cfg Config) (s *HTTPServer, err error) {
	_, span := o11y.StartSpan(ctx, "httpserver: new-server "+cfg.Name)
	defer o11y.End(span, &err)
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	span.AddField("server_name", cfg.Name)
	span.AddField("address", cfg.Addr)
	span.AddField("network", cfg.Network)

	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%q server failed to bind: %w", cfg.Name, err)
	}

	tr := &trackedListener{
		Listener: ln,
		name:     cfg.Name,
	}

	span.AddField("address", tr.Addr().String())

	return &HTTPServer{
		name:       cfg.Name,
		drainGrace: cfg.DrainGrace,
		listener:   tr,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      cfg.Handler,
			ReadTimeout:  55 * time.Second,
			WriteTimeout: 55 * time.Second,
		},
	}, nil
}

// Serve the http server. Each accepted connection is handled concurrently by
// net/http. On context cancellation the server stops accepting immediately
// and in-flight requests get the drain grace to complete; whatever is still
// open after that is forcibly closed and Serve resolves to ErrDrainTimeout.
//
// A serve failure unrelated to shutdown is returned as is: it is fatal and
// the caller is expected to bring the rest of the process down.
func (s *HTTPServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
		defer cancel()
		err := s.server.Shutdown(cctx)
		if errors.Is(err, context.DeadlineExceeded) {
			_ = s.server.Close()
			return fmt.Errorf("%q server: %w", s.name, ErrDrainTimeout)
		}
		if err != nil {
			return fmt.Errorf("%q server shutdown failed: %w", s.name, err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.server.Serve(s.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%q server failed: %w", s.name, err)
		}
		return nil
	})

	return g.Wait()
}

func (s *HTTPServer) MetricsProducer() MetricProducer {
	return s.listener
}

func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}
