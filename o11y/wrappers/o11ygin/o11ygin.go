// Package o11ygin carries the o11y provider into gin handlers, traces each
// request and recovers panics without killing the process.
package o11ygin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kapellan-io/skeleton/o11y"
)

// Middleware for Gin router
func Middleware(provider o11y.Provider, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		before := time.Now()

		ctx := o11y.WithProvider(c.Request.Context(), provider)

		route := c.FullPath()
		if route == "" {
			route = "not-found"
		}

		ctx, span := o11y.StartSpan(ctx, c.Request.Method+" "+route)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)

		// pull out any variables in the URL, add the thing we're matching, etc.
		for _, param := range c.Params {
			span.AddRawField("handler.vars."+param.Key, param.Value)
		}

		span.AddRawField("meta.type", "http_server")
		span.AddRawField("http.server_name", serverName)
		span.AddRawField("http.route", route)
		span.AddRawField("http.method", c.Request.Method)
		span.AddRawField("http.target", c.Request.URL.Path)
		span.AddRawField("http.host", c.Request.Host)
		span.AddRawField("http.user_agent", c.Request.UserAgent())

		c.Next()

		span.AddRawField("http.status_code", c.Writer.Status())
		span.AddRawField("http.response_content_length", c.Writer.Size())
		span.AddRawField("duration_ms", float64(time.Since(before))/float64(time.Millisecond))
		span.RecordMetric(o11y.Timing("handler",
			"http.server_name", "http.method", "http.route", "http.status_code"))

		if len(c.Errors) > 0 {
			span.AddRawField("error", c.Errors.String())
		}
	}
}

// Recovery returns a gin middleware that traces and reports panics from
// handlers, responding with a 500 instead of tearing the connection down.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err interface{}) {
		c.AbortWithStatus(http.StatusInternalServerError)
		ctx := c.Request.Context()
		span := o11y.FromContext(ctx).GetSpan(ctx)
		if span == nil {
			_, span = o11y.StartSpan(ctx, "panic: "+c.Request.URL.Path)
			defer span.End()
		}

		// Most likely caused by one side of the proxy disappearing. Not really a panic
		// https://github.com/golang/go/issues/28239
		if origErr, ok := err.(error); ok && errors.Is(origErr, http.ErrAbortHandler) {
			o11y.AddResultToSpan(span, origErr)
			return
		}

		_ = o11y.HandlePanic(ctx, span, err, c.Request)
	})
}
