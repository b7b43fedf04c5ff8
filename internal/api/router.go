// Package api is the HTTP front end: submit analyses, poll their status, and
// fetch evidence.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the routes. When token is non-empty the /api/analyses
// routes require "Authorization: Bearer <token>". Storage files are served
// without auth since their URLs are handed out as signed links.
func NewRouter(h *Handler, token string, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/healthz", h.HandleHealth)

	apiGroup := router.Group("/api")
	{
		analyses := apiGroup.Group("/analyses", bearerAuth(token))
		analyses.POST("", h.HandleCreateAnalysis)
		analyses.GET("", h.HandleListAnalyses)
		analyses.GET("/:id", h.HandleGetAnalysis)
		analyses.GET("/:id/evidence", h.HandleGetEvidence)

		apiGroup.GET("/storage/*key", h.HandleStorageFile)
	}
	return router
}
