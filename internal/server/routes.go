// Package server wires HTTP handlers into a gin engine for the delivery
// service via routing helpers.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/logger"
)

// RouteDeps holds the optional collaborators behind the HTTP surface. A nil
// field leaves its route unregistered.
type RouteDeps struct {
	Verifier auth.Verifier
	History  history.Store
	Presence PresenceLookup
	Gatherer prometheus.Gatherer
}

// SetupRoutes builds the engine serving health, the push channel upgrade,
// metrics and the read-only API.
func SetupRoutes(hub *Hub, deps RouteDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/", HealthHandler)
	r.GET("/ws", WebSocketHandler(hub, deps.Verifier))

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", auth.Middleware(deps.Verifier))
	if deps.History != nil {
		api.GET("/message/:chatId", HistoryHandler(deps.History))
	}
	if deps.Presence != nil {
		api.GET("/presence/:userId", PresenceHandler(deps.Presence))
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()))
	}
}
