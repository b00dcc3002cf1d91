package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/tlvrelay/internal/auth"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler serves health, readiness, stats and prometheus metrics. Stats
// sit behind a bearer token when AdminToken is set.
func (r *Relay) AdminHandler() http.Handler {
	observability.RegisterMetrics()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(r.log))
	router.Use(observability.RequestMetricsMiddleware(r.cfg.Domain.String()))
	if origins := normalizeOrigins(r.cfg.CorsOrigins); len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"relay_id": r.cfg.RelayID,
			"domain":   r.cfg.Domain.String(),
			"uptime":   r.now().Sub(r.started).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !r.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": r.Ready(), "relay_id": r.cfg.RelayID})
	})
	stats := []gin.HandlerFunc{func(c *gin.Context) {
		c.JSON(http.StatusOK, r.Stats())
	}}
	if token := strings.TrimSpace(r.cfg.AdminToken); token != "" {
		stats = append([]gin.HandlerFunc{auth.RequireBearer(auth.StaticToken{Token: token})}, stats...)
	}
	router.GET("/stats", stats...)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
