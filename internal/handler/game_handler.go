package handler

import (
	"net/http"
	"strings"

	"playmatch/matchmaker/internal/store"

	"github.com/gin-gonic/gin"
)

// region --- DTOs ---

type AliasInput struct {
	Alias   string   `json:"alias" binding:"required"`
	GameIDs []string `json:"game_ids" binding:"required,min=1"`
}

type NameInput struct {
	Name string `json:"name" binding:"required,max=100"`
}

type GameDefaultInput struct {
	MaxPlayerCount *int    `json:"max_player_count" binding:"omitempty,min=2,max=100"`
	Description    *string `json:"description" binding:"omitempty,max=255"`
}

type GameDefaultResponse struct {
	MaxPlayerCount *int    `json:"max_player_count,omitempty"`
	Description    *string `json:"description,omitempty"`
}

// endregion

// queryGameIDs reads ?game_ids=a,b and repeated ?game_id=a&game_id=b.
func queryGameIDs(c *gin.Context) []string {
	ids := c.QueryArray("game_id")
	if raw := c.Query("game_ids"); raw != "" {
		ids = append(ids, strings.Split(raw, ",")...)
	}
	return store.NormalizeIDs(ids)
}

// GetAliases godoc
// @Summary      List game aliases
// @Description  Maps every aliased game id of the tenant to its canonical id.
// @Tags         games
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Success      200  {object}  map[string]string
// @Router       /tenants/{tenant}/games/aliases [get]
func (h *Handler) GetAliases(c *gin.Context) {
	aliases, err := h.engine.Aliases(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, aliases)
}

// GetNames godoc
// @Summary      List game display names
// @Description  Without game_ids, every named game of the tenant. Unnamed requested games map to their id.
// @Tags         games
// @Produce      json
// @Security     BearerAuth
// @Param        tenant   path  string true  "Tenant ID"
// @Param        game_ids query string false "Comma separated game IDs"
// @Success      200  {object}  map[string]string
// @Router       /tenants/{tenant}/games/names [get]
func (h *Handler) GetNames(c *gin.Context) {
	names, err := h.engine.DisplayNames(c.Request.Context(), c.Param("tenant"), queryGameIDs(c)...)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

// GetDefaults godoc
// @Summary      List game defaults
// @Tags         games
// @Produce      json
// @Security     BearerAuth
// @Param        tenant   path  string true  "Tenant ID"
// @Param        game_ids query string false "Comma separated game IDs"
// @Success      200  {object}  map[string]GameDefaultResponse
// @Router       /tenants/{tenant}/games/defaults [get]
func (h *Handler) GetDefaults(c *gin.Context) {
	defaults, err := h.engine.GameDefaults(c.Request.Context(), c.Param("tenant"), queryGameIDs(c)...)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make(map[string]GameDefaultResponse, len(defaults))
	for id, def := range defaults {
		resp[id] = GameDefaultResponse{MaxPlayerCount: def.MaxPlayerCount, Description: def.Description}
	}
	c.JSON(http.StatusOK, resp)
}

// region --- Admin Handlers ---

// AddAlias godoc
// @Summary      Alias games
// @Description  Makes alias the canonical id of game_ids. Waiting sessions of those games are moved to the alias.
// @Tags         admin-games
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        input body AliasInput true "Alias"
// @Success      204
// @Failure      400  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/aliases [post]
func (h *Handler) AddAlias(c *gin.Context) {
	var input AliasInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.engine.AddAlias(c.Request.Context(), c.Param("tenant"), input.Alias, splitGameIDs(input.GameIDs)...); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAlias godoc
// @Summary      Remove a game alias
// @Description  Sessions keep the canonical id they were rewritten to.
// @Tags         admin-games
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        game   path string true "Aliased game ID"
// @Success      204
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/{game}/alias [delete]
func (h *Handler) DeleteAlias(c *gin.Context) {
	if err := h.engine.DeleteAliases(c.Request.Context(), c.Param("tenant"), c.Param("game")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetName godoc
// @Summary      Name a game
// @Tags         admin-games
// @Accept       json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        game   path string true "Game ID"
// @Param        input body NameInput true "Display name"
// @Success      204
// @Failure      400  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/{game}/name [put]
func (h *Handler) SetName(c *gin.Context) {
	var input NameInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.engine.SetDisplayName(c.Request.Context(), c.Param("tenant"), c.Param("game"), input.Name); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteName godoc
// @Summary      Remove a game display name
// @Tags         admin-games
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        game   path string true "Game ID"
// @Success      204
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/{game}/name [delete]
func (h *Handler) DeleteName(c *gin.Context) {
	if err := h.engine.DeleteDisplayNames(c.Request.Context(), c.Param("tenant"), c.Param("game")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDefaults godoc
// @Summary      Set game defaults
// @Description  Player count and description used when a search leaves them out.
// @Tags         admin-games
// @Accept       json
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        game   path string true "Game ID"
// @Param        input body GameDefaultInput true "Defaults"
// @Success      204
// @Failure      400  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/{game}/defaults [put]
func (h *Handler) SetDefaults(c *gin.Context) {
	var input GameDefaultInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	def := store.GameDefault{MaxPlayerCount: input.MaxPlayerCount, Description: input.Description}
	if err := h.engine.SetGameDefault(c.Request.Context(), c.Param("tenant"), c.Param("game"), def); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteDefaults godoc
// @Summary      Remove game defaults
// @Tags         admin-games
// @Security     BearerAuth
// @Param        tenant path string true "Tenant ID"
// @Param        game   path string true "Game ID"
// @Success      204
// @Failure      403  {object}  ErrorResponse "Admin access required"
// @Router       /admin/tenants/{tenant}/games/{game}/defaults [delete]
func (h *Handler) DeleteDefaults(c *gin.Context) {
	if err := h.engine.DeleteGameDefaults(c.Request.Context(), c.Param("tenant"), c.Param("game")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// endregion
