package handler

import (
	"net/http"
	"strings"
	"time"

	"playmatch/matchmaker/internal/auth"
	"playmatch/matchmaker/internal/hub"
	"playmatch/matchmaker/internal/matchmaking"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// region --- DTOs ---

type SearchInput struct {
	GameIDs            []string `json:"game_ids" binding:"required,min=1,max=25"`
	PlayerCount        *int     `json:"player_count" binding:"omitempty,min=2,max=100"`
	Description        *string  `json:"description" binding:"omitempty,max=255"`
	DurationMinutes    int      `json:"duration_minutes" binding:"omitempty,min=1"`
	AllowSuggestions   bool     `json:"allow_suggestions"`
	DeliverSuggestions bool     `json:"deliver_suggestions"`
}

type JoinInput struct {
	DurationMinutes int `json:"duration_minutes" binding:"omitempty,min=1"`
}

type LeaveInput struct {
	SessionIDs []uuid.UUID `json:"session_ids"`
	GameIDs    []string    `json:"game_ids"`
}

// endregion

func (h *Handler) duration(minutes int) time.Duration {
	d := time.Duration(minutes) * time.Minute
	if h.maxJoinDuration > 0 && d > h.maxJoinDuration {
		d = h.maxJoinDuration
	}
	return d
}

// splitGameIDs accepts both ["chess", "go"] and ["chess go"].
func splitGameIDs(raw []string) []string {
	var ids []string
	for _, r := range raw {
		ids = append(ids, strings.Fields(r)...)
	}
	return ids
}

// Search godoc
// @Summary      Search for a game session
// @Description  Joins a session one player short of full, suggests sessions, or waits in a session of the caller's own.
// @Description  With deliver_suggestions, suggestions are pushed to the caller's event streams instead; when no stream is open the search is retried without suggestions.
// @Tags         matchmaking
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        input body SearchInput true "Search"
// @Success      200  {object}  ResultResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Router       /tenants/{tenant}/search [post]
func (h *Handler) Search(c *gin.Context) {
	var input SearchInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	tenant := c.Param("tenant")
	userID := auth.UserID(c)
	req := matchmaking.SearchRequest{
		GameIDs:          splitGameIDs(input.GameIDs),
		PlayerCount:      input.PlayerCount,
		Description:      input.Description,
		Duration:         h.duration(input.DurationMinutes),
		AllowSuggestions: input.AllowSuggestions || input.DeliverSuggestions,
	}

	res, err := h.engine.SearchGames(ctx, tenant, userID, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	if suggestions, ok := res.(matchmaking.Suggestions); ok && input.DeliverSuggestions {
		res = h.hub.DeliverSuggestions(tenant, userID, suggestions)
		if _, failed := res.(matchmaking.FailedToSuggest); failed {
			h.logger.Debug("no stream for suggestions, waiting instead",
				zap.String("tenant", tenant), zap.String("user", userID))
			req.AllowSuggestions = false
			if res, err = h.engine.SearchGames(ctx, tenant, userID, req); err != nil {
				h.fail(c, err)
				return
			}
		}
	}

	c.JSON(http.StatusOK, newResultResponse(res))
}

// JoinSession godoc
// @Summary      Join a session
// @Description  Joins a session of the tenant. The result is "matched" when the join filled it and "failed_to_join" when the tenant has no such session.
// @Tags         matchmaking
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        id path string true "Session ID"
// @Param        input body JoinInput false "Join duration"
// @Success      200  {object}  ResultResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      409  {object}  ResultResponse "Session no longer exists"
// @Router       /tenants/{tenant}/sessions/{id}/join [post]
func (h *Handler) JoinSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	var input JoinInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	expireAt := h.engine.ExpireAfter(h.duration(input.DurationMinutes))
	res, err := h.engine.TryJoinSession(c.Request.Context(), c.Param("tenant"), auth.UserID(c), id, expireAt)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if _, failed := res.(matchmaking.FailedToJoin); failed {
		status = http.StatusConflict
	}
	c.JSON(status, newResultResponse(res))
}

// LeaveSessions godoc
// @Summary      Leave sessions
// @Description  Leaves the listed sessions and every session of the listed games within the tenant. With an empty body the caller leaves all their sessions of the tenant.
// @Tags         matchmaking
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        input body LeaveInput false "What to leave"
// @Success      200  {object}  ChangesResponse
// @Failure      400  {object}  ErrorResponse
// @Router       /tenants/{tenant}/sessions/leave [post]
func (h *Handler) LeaveSessions(c *gin.Context) {
	var input LeaveInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	tenant := c.Param("tenant")
	userID := auth.UserID(c)
	gameIDs := splitGameIDs(input.GameIDs)

	if len(input.SessionIDs) == 0 && len(gameIDs) == 0 {
		changes, err := h.engine.LeaveTenantSessions(ctx, tenant, userID)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, newChangesResponse(changes))
		return
	}

	var total matchmaking.Changes
	if len(input.SessionIDs) > 0 {
		changes, err := h.engine.LeaveTenantSessions(ctx, tenant, userID, input.SessionIDs...)
		if err != nil {
			h.fail(c, err)
			return
		}
		total = changes
	}
	if len(gameIDs) > 0 {
		changes, err := h.engine.LeaveSessionsByGame(ctx, tenant, userID, gameIDs...)
		if err != nil {
			h.fail(c, err)
			return
		}
		total = mergeChanges(total, changes)
	}
	c.JSON(http.StatusOK, newChangesResponse(total))
}

// mergeChanges combines the reports of two consecutive calls. b is newer.
func mergeChanges(a, b matchmaking.Changes) matchmaking.Changes {
	out := matchmaking.Changes{Stopped: make(map[uuid.UUID]matchmaking.Stopped)}
	for id, s := range a.Stopped {
		out.Stopped[id] = s
	}
	for id, s := range b.Stopped {
		out.Stopped[id] = s
	}
	newer := make(map[uuid.UUID]bool, len(b.Updated))
	for _, s := range b.Updated {
		newer[s.ID] = true
	}
	for _, s := range a.Updated {
		if _, stopped := out.Stopped[s.ID]; !stopped && !newer[s.ID] {
			out.Updated = append(out.Updated, s)
		}
	}
	out.Updated = append(out.Updated, b.Updated...)
	return out
}

// GetMySessions godoc
// @Summary      List my sessions
// @Description  Lists the tenant sessions the caller is waiting in.
// @Tags         matchmaking
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Success      200  {array}  SessionResponse
// @Router       /tenants/{tenant}/sessions/me [get]
func (h *Handler) GetMySessions(c *gin.Context) {
	sessions, err := h.engine.UserSessions(c.Request.Context(), c.Param("tenant"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponses(sessions))
}

// GetSessionByID godoc
// @Summary      Get a session
// @Tags         matchmaking
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        id path string true "Session ID"
// @Success      200  {object}  SessionResponse
// @Failure      404  {object}  ErrorResponse "Session not found"
// @Router       /tenants/{tenant}/sessions/{id} [get]
func (h *Handler) GetSessionByID(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	sessions, err := h.engine.Sessions(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(sessions) == 0 || sessions[0].Tenant != c.Param("tenant") {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	c.JSON(http.StatusOK, hub.NewSessionPayload(sessions[0]))
}

// region --- Admin Handlers ---

// ListSessions godoc
// @Summary      List all sessions of a tenant
// @Tags         admin-sessions
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        page  query int false "Page number" default(1)
// @Param        limit query int false "Items per page" default(10)
// @Success      200  {object}  PaginatedResponse[SessionResponse]
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/sessions [get]
func (h *Handler) ListSessions(c *gin.Context) {
	page, limit := pageParams(c)
	sessions, err := h.engine.AllSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	tenant := c.Param("tenant")
	var inTenant []SessionResponse
	for _, s := range sessions {
		if s.Tenant == tenant {
			inTenant = append(inTenant, hub.NewSessionPayload(s))
		}
	}
	c.JSON(http.StatusOK, Paginate(inTenant, page, limit))
}

// StopSession godoc
// @Summary      Stop a session
// @Description  Removes every participant; the session is reported as canceled.
// @Tags         admin-sessions
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        id path string true "Session ID"
// @Success      200  {object}  ChangesResponse
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Failure      404  {object}  ErrorResponse "Session not found"
// @Router       /admin/tenants/{tenant}/sessions/{id} [delete]
func (h *Handler) StopSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	changes, err := h.engine.StopSessions(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(changes.Stopped) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	h.logger.Info("session stopped by admin",
		zap.Stringer("session", id),
		zap.String("admin", auth.UserID(c)))
	c.JSON(http.StatusOK, newChangesResponse(changes))
}

// endregion
