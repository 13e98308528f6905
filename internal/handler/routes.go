package handler

import (
	"playmatch/matchmaker/internal/auth"

	"github.com/gin-gonic/gin"
)

// Register mounts the API on rg.
func (h *Handler) Register(rg *gin.RouterGroup, secret []byte) {
	tenantRoutes := rg.Group("/tenants/:tenant")
	tenantRoutes.Use(auth.AuthMiddleware(secret))
	{
		tenantRoutes.POST("/search", h.Search)
		tenantRoutes.GET("/events", h.StreamEvents)

		tenantRoutes.GET("/sessions/me", h.GetMySessions) // Must be before /:id
		tenantRoutes.POST("/sessions/leave", h.LeaveSessions)
		tenantRoutes.GET("/sessions/:id", h.GetSessionByID)
		tenantRoutes.POST("/sessions/:id/join", h.JoinSession)

		tenantRoutes.GET("/games/aliases", h.GetAliases)
		tenantRoutes.GET("/games/names", h.GetNames)
		tenantRoutes.GET("/games/defaults", h.GetDefaults)
	}

	adminRoutes := rg.Group("/admin/tenants/:tenant")
	adminRoutes.Use(auth.AuthMiddleware(secret), auth.AdminMiddleware())
	{
		adminRoutes.GET("/sessions", h.ListSessions)
		adminRoutes.DELETE("/sessions/:id", h.StopSession)

		adminRoutes.POST("/games/aliases", h.AddAlias)
		adminRoutes.DELETE("/games/:game/alias", h.DeleteAlias)
		adminRoutes.PUT("/games/:game/name", h.SetName)
		adminRoutes.DELETE("/games/:game/name", h.DeleteName)
		adminRoutes.PUT("/games/:game/defaults", h.SetDefaults)
		adminRoutes.DELETE("/games/:game/defaults", h.DeleteDefaults)
	}
}
