// Package api is the application API served by the main listener. The
// lifecycle core treats it as an opaque handler; the routes here are the
// minimal surface a service built from this skeleton replaces.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kapellan-io/skeleton/httpserver/ginrouter"
)

type Options struct {
	Version string

	// Registerer receives the API's prometheus collectors.
	// Defaults to the process-wide default registerer.
	Registerer prometheus.Registerer
}

type API struct {
	router  *gin.Engine
	version string
}

func New(ctx context.Context, opts Options) *API {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	requests := promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: "skeleton",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Requests served, by route and status code.",
	}, []string{"route", "status"})

	r := ginrouter.Default(ctx, "api")
	r.Use(func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "not-found"
		}
		requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	})

	a := &API{
		router:  r,
		version: opts.Version,
	}

	grp := r.Group("/api")
	grp.GET("/ping", a.ping)
	grp.GET("/version", a.getVersion)

	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func (a *API) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": a.version})
}
