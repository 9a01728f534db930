package ginrouter

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/kapellan-io/skeleton/o11y"
	"github.com/kapellan-io/skeleton/o11y/wrappers/o11ygin"
)

var once sync.Once

// Default returns a gin engine wired with the o11y middleware and panic
// recovery, ready for route registration.
func Default(ctx context.Context, serverName string) *gin.Engine {
	once.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	r := gin.New()
	r.Use(
		o11ygin.Middleware(o11y.FromContext(ctx), serverName),
		o11ygin.Recovery(),
	)

	r.UseRawPath = true

	return r
}
