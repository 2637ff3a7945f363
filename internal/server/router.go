package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"collabsync/internal/auth"
	"collabsync/internal/handler"
	"collabsync/internal/hub"
	"collabsync/internal/metrics"
	"collabsync/internal/middleware"
	"collabsync/internal/relay"
)

type Deps struct {
	TokenConfig auth.TokenConfig
	Hub         *hub.Hub
	Metrics     *metrics.Metrics

	AllowDevTokens       bool
	RelayEventsPerSecond float64
	RelayEventBurst      int
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Check)

	if deps.AllowDevTokens {
		tokenLimiter := middleware.NewRateLimiter(10, time.Minute)
		tokenHandler := &handler.TokenHandler{TokenConfig: deps.TokenConfig}
		r.POST("/v1/tokens", middleware.RateLimitMiddleware(tokenLimiter), tokenHandler.Create)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	sessionHandler := &handler.SessionHandler{Hub: deps.Hub}
	protected.GET("/sessions/:id/participants", middleware.RequireSession(), sessionHandler.Participants)

	relayServer := relay.NewServer(relay.Deps{
		Hub:             deps.Hub,
		TokenConfig:     deps.TokenConfig,
		Metrics:         deps.Metrics,
		EventsPerSecond: deps.RelayEventsPerSecond,
		EventBurst:      deps.RelayEventBurst,
	})
	r.GET("/v1/updates/", gin.WrapH(relayServer))

	return r
}
