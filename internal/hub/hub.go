package hub

import (
	"encoding/json"
	"sync"
	"time"

	"playmatch/matchmaker/internal/matchmaking"
	"playmatch/matchmaker/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event represents a real-time event to be sent to clients.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client represents a single client connection (a user watching a tenant).
// The SSE handler reads encoded events from C.
type Client struct {
	UserID string
	C      chan []byte
}

// NewClient returns a client with a buffered event channel.
func NewClient(userID string, buffer int) *Client {
	return &Client{UserID: userID, C: make(chan []byte, buffer)}
}

// Hub fans matchmaking events out to the clients of each tenant.
type Hub struct {
	tenants map[string]map[*Client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tenants: make(map[string]map[*Client]bool),
		logger:  logger,
	}
}

// Subscribe adds a new client to a tenant.
func (h *Hub) Subscribe(tenant string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tenants[tenant]; !ok {
		h.tenants[tenant] = make(map[*Client]bool)
	}
	h.tenants[tenant][client] = true
}

// Unsubscribe removes a client from a tenant.
func (h *Hub) Unsubscribe(tenant string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.tenants[tenant]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.C) // Close the channel to signal the SSE handler to stop.
			if len(clients) == 0 {
				delete(h.tenants, tenant)
			}
		}
	}
}

// Broadcast sends an event to all clients of a tenant.
func (h *Hub) Broadcast(tenant string, event Event) {
	h.send(tenant, event, func(*Client) bool { return true })
}

// SendToUser sends an event to the clients of one user and reports how many
// accepted it.
func (h *Hub) SendToUser(tenant, userID string, event Event) int {
	return h.send(tenant, event, func(c *Client) bool { return c.UserID == userID })
}

func (h *Hub) send(tenant string, event Event, match func(*Client) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.tenants[tenant]
	if !ok {
		return 0
	}
	messageBytes, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode hub event", zap.String("type", event.Type), zap.Error(err))
		return 0
	}

	delivered := 0
	for client := range clients {
		if !match(client) {
			continue
		}
		// Use a non-blocking send to prevent a slow client from blocking the hub.
		select {
		case client.C <- messageBytes:
			delivered++
		default:
			h.logger.Debug("dropping event for slow client", zap.String("tenant", tenant), zap.String("user", client.UserID))
		}
	}
	return delivered
}

// SessionPayload is the wire form of a session.
type SessionPayload struct {
	ID             uuid.UUID            `json:"id"`
	GameID         string               `json:"game_id"`
	GameName       string               `json:"game_name"`
	MaxPlayerCount int                  `json:"max_player_count"`
	Description    string               `json:"description,omitempty"`
	Participants   map[string]time.Time `json:"participants"`
}

// NewSessionPayload converts a session for clients.
func NewSessionPayload(s store.Session) SessionPayload {
	return SessionPayload{
		ID:             s.ID,
		GameID:         s.GameID,
		GameName:       s.GameName,
		MaxPlayerCount: s.MaxPlayerCount,
		Description:    s.Description,
		Participants:   s.Participants,
	}
}

// StoppedPayload reports a removed session.
type StoppedPayload struct {
	ID     uuid.UUID              `json:"id"`
	Reason matchmaking.StopReason `json:"reason"`
}

// HandleSessionEvent is a matchmaking.Listener broadcasting each change to
// the tenant it belongs to.
func (h *Hub) HandleSessionEvent(ev matchmaking.Event) {
	byTenant := make(map[string][]SessionPayload)
	for _, s := range ev.Sessions {
		byTenant[s.Tenant] = append(byTenant[s.Tenant], NewSessionPayload(s))
	}
	eventType := "session_updated"
	if ev.Kind == matchmaking.SessionAdded {
		eventType = "session_added"
	}
	for tenant, sessions := range byTenant {
		for _, s := range sessions {
			h.Broadcast(tenant, Event{Type: eventType, Payload: s})
		}
	}

	for id, stopped := range ev.Stopped {
		h.Broadcast(stopped.Tenant, Event{
			Type:    "session_stopped",
			Payload: StoppedPayload{ID: id, Reason: stopped.Reason},
		})
	}
}

// DeliverSuggestions pushes suggestions to the user's open streams. It
// returns FailedToSuggest when no stream accepted them.
func (h *Hub) DeliverSuggestions(tenant, userID string, s matchmaking.Suggestions) matchmaking.Result {
	sessions := make([]SessionPayload, 0, len(s.Sessions))
	for _, session := range s.Sessions {
		sessions = append(sessions, NewSessionPayload(session))
	}
	event := Event{
		Type: "suggestions",
		Payload: map[string]interface{}{
			"sessions":   sessions,
			"allow_wait": s.AllowWait,
		},
	}
	if h.SendToUser(tenant, userID, event) == 0 {
		return matchmaking.FailedToSuggest{Suggestions: s}
	}
	return s
}
