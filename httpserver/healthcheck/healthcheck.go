// Package healthcheck implements the admin API: health checks, the metrics
// scrape endpoint and runtime profiling. It runs on its own listener so
// operational traffic never competes with the application API.
package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hellofresh/health-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kapellan-io/skeleton/httpserver/ginrouter"
	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/system"
)

type API struct {
	router *gin.Engine
}

func New(ctx context.Context, checked []system.HealthChecker) (*API, error) {
	r := ginrouter.Default(ctx, "admin")

	healthLive, healthReady, err := newHealthHandlers(checked)
	if err != nil {
		return nil, fmt.Errorf("failed to create health checks: %w", err)
	}

	r.GET("/live", gin.WrapH(healthLive.Handler()))
	r.GET("/ready", gin.WrapH(healthReady.Handler()))

	// A scrape that fails part way is served truncated and logged, never fatal.
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:      scrapeLogger{ctx: ctx},
		ErrorHandling: promhttp.ContinueOnError,
	})))

	debug := r.Group("/debug")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline/", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile/", gin.WrapF(pprof.Profile))
	debug.GET("/symbol/", gin.WrapF(pprof.Symbol))
	debug.GET("/trace/", gin.WrapF(pprof.Trace))

	return &API{router: r}, nil
}

func (a *API) Handler() http.Handler {
	return a.router
}

type scrapeLogger struct {
	ctx context.Context
}

func (l scrapeLogger) Println(v ...interface{}) {
	o11y.Log(l.ctx, "metrics: scrape error", o11y.Field("detail", fmt.Sprint(v...)))
}

func newHealthHandlers(checked []system.HealthChecker) (*health.Health, *health.Health, error) {
	healthLive, err := health.New()
	if err != nil {
		return nil, nil, err
	}

	healthReady, err := health.New()
	if err != nil {
		return nil, nil, err
	}

	for _, c := range checked {
		name, ready, live := c.HealthChecks()

		if ready != nil {
			err = healthReady.Register(health.Config{
				Name:      name,
				Timeout:   time.Second * 5,
				SkipOnErr: false,
				Check:     ready,
			})
			if err != nil {
				return nil, nil, err
			}
		}

		if live != nil {
			err = healthLive.Register(health.Config{
				Name:      name,
				Timeout:   time.Second * 5,
				SkipOnErr: false,
				Check:     live,
			})
			if err != nil {
				return nil, nil, err
			}
		}
	}

	return healthLive, healthReady, nil
}
