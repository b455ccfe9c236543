package middleware

import (
	"time"

	"yahtzee/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per finished request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := logger.WithRemoteAddr(c.Request.Context(), c.ClientIP())
		if id := c.Query("peer_id"); id != "" {
			ctx = logger.WithPeerID(ctx, id)
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
