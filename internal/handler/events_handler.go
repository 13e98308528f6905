package handler

import (
	"io"

	"playmatch/matchmaker/internal/auth"
	"playmatch/matchmaker/internal/hub"

	"github.com/gin-gonic/gin"
)

const clientBuffer = 32

// StreamEvents godoc
// @Summary      Stream session events
// @Description  Server-sent events for the tenant: session_added, session_updated, session_stopped, and suggestions addressed to the caller.
// @Tags         matchmaking
// @Produce      text/event-stream
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Success      200
// @Router       /tenants/{tenant}/events [get]
func (h *Handler) StreamEvents(c *gin.Context) {
	tenant := c.Param("tenant")
	client := hub.NewClient(auth.UserID(c), clientBuffer)
	h.hub.Subscribe(tenant, client)
	defer h.hub.Unsubscribe(tenant, client)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client.C:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
