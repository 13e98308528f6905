package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"playmatch/matchmaker/internal/hub"
	"playmatch/matchmaker/internal/matchmaking"
	"playmatch/matchmaker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves the matchmaking API.
type Handler struct {
	engine          *matchmaking.Engine
	hub             *hub.Hub
	logger          *zap.Logger
	maxJoinDuration time.Duration
}

// New returns a Handler. A maxJoinDuration of zero leaves join durations
// uncapped.
func New(engine *matchmaking.Engine, h *hub.Hub, logger *zap.Logger, maxJoinDuration time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:          engine,
		hub:             h,
		logger:          logger,
		maxJoinDuration: maxJoinDuration,
	}
}

// region --- DTOs ---

// ErrorResponse defines the structure for a generic error response.
type ErrorResponse struct {
	Error string `json:"error" example:"An error message"`
}

// SessionResponse is a session as returned by the API.
type SessionResponse = hub.SessionPayload

// ResultResponse is the outcome of a search or join.
type ResultResponse struct {
	Result    string            `json:"result" example:"waiting"`
	Session   *SessionResponse  `json:"session,omitempty"`
	Sessions  []SessionResponse `json:"sessions,omitempty"`
	AllowWait *bool             `json:"allow_wait,omitempty"`
}

// ChangesResponse reports what a leave or stop changed.
type ChangesResponse struct {
	Updated []SessionResponse                 `json:"updated"`
	Stopped map[string]matchmaking.StopReason `json:"stopped"`
}

func newSessionResponses(sessions []store.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, hub.NewSessionPayload(s))
	}
	return out
}

func newResultResponse(res matchmaking.Result) ResultResponse {
	resp := ResultResponse{Result: res.Kind()}
	switch r := res.(type) {
	case matchmaking.Waiting:
		resp.Sessions = newSessionResponses(r.Sessions)
	case matchmaking.Matched:
		s := hub.NewSessionPayload(r.Session)
		resp.Session = &s
	case matchmaking.Suggestions:
		resp.Sessions = newSessionResponses(r.Sessions)
		resp.AllowWait = &r.AllowWait
	}
	return resp
}

func newChangesResponse(changes matchmaking.Changes) ChangesResponse {
	resp := ChangesResponse{
		Updated: newSessionResponses(changes.Updated),
		Stopped: make(map[string]matchmaking.StopReason, len(changes.Stopped)),
	}
	for id, stopped := range changes.Stopped {
		resp.Stopped[id.String()] = stopped.Reason
	}
	return resp
}

// endregion

// fail writes the response for an engine error.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matchmaking.ErrInvalidPlayerCount),
		errors.Is(err, matchmaking.ErrInvalidGameID),
		errors.Is(err, matchmaking.ErrInvalidName):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Request canceled"})
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid session ID"})
		return uuid.Nil, false
	}
	return id, true
}
