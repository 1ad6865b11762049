package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ferrydev/ferry/internal/common/httpmw"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/external"
	"github.com/ferrydev/ferry/internal/orchestrator"
	"github.com/ferrydev/ferry/internal/session"
)

// NewRouter builds the gin engine: health endpoint outside auth, the
// v1 API behind the bearer token.
func NewRouter(store *session.Store, orch *orchestrator.Service, ext *external.Service, authToken string, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	if authToken != "" {
		v1.Use(httpmw.BearerAuth(authToken))
	}
	SetupRoutes(v1, store, orch, ext, log)
	return router
}

// SetupRoutes configures the broker API routes on a group.
func SetupRoutes(router *gin.RouterGroup, store *session.Store, orch *orchestrator.Service, ext *external.Service, log *logger.Logger) {
	handler := NewHandler(store, orch, ext, log)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.POST("/attach", handler.Attach)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)

		sessions.POST("/:sessionId/start", handler.StartSession)
		sessions.POST("/:sessionId/input", handler.Input)
		sessions.POST("/:sessionId/interrupt", handler.Interrupt)
		sessions.POST("/:sessionId/permission", handler.ResolvePermission)
		sessions.POST("/:sessionId/sync", handler.Sync)

		sessions.POST("/:sessionId/events", handler.PushEvent)
		sessions.GET("/:sessionId/events/poll", handler.PollEvents)
		sessions.GET("/:sessionId/usage", handler.Usage)
	}

	router.GET("/events/sessions/:sessionId", handler.StreamEvents)

	externalSessions := router.Group("/external-sessions")
	{
		externalSessions.GET("", handler.ListExternalSessions)
		externalSessions.GET("/:externalId/history", handler.ExternalHistory)
	}
}
