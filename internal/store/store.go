// Package store persists matchmaking sessions, user joins and the per-tenant
// game aliases, display names and defaults.
//
// A Store holds no matching logic. Callers are expected to serialize
// mutating calls themselves; the matchmaking engine does so with its own lock.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Key identifies what a session is for. Two searches with the same key are
// interchangeable.
type Key struct {
	GameID      string
	PlayerCount int
	Description string
}

// Session is a snapshot of a forming session.
type Session struct {
	ID             uuid.UUID
	Tenant         string
	GameID         string
	GameName       string
	MaxPlayerCount int
	Description    string
	CreatedAt      time.Time

	// Participants maps a user id to the time the user's join expires.
	Participants map[string]time.Time
}

// Key returns the matching key of the session.
func (s Session) Key() Key {
	return Key{GameID: s.GameID, PlayerCount: s.MaxPlayerCount, Description: s.Description}
}

// Has reports whether user participates in the session.
func (s Session) Has(user string) bool {
	_, ok := s.Participants[user]
	return ok
}

// Open returns the number of free slots.
func (s Session) Open() int {
	return s.MaxPlayerCount - len(s.Participants)
}

// Full reports whether the session reached its player count.
func (s Session) Full() bool {
	return s.Open() <= 0
}

// Removed identifies a session deleted by a store operation.
type Removed struct {
	ID     uuid.UUID
	Tenant string
}

// Changes describes what a leave or purge did: sessions that lost
// participants but still exist, and sessions that were deleted because
// nobody was left in them.
type Changes struct {
	Updated []Session
	Removed []Removed
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Updated) == 0 && len(c.Removed) == 0
}

// GameDefault holds the search parameters used for a game when a search
// leaves them unset.
type GameDefault struct {
	MaxPlayerCount *int
	Description    *string
}

// Store is the persistence boundary of the matchmaking engine.
type Store interface {
	// JoinableSessions returns the tenant's sessions for gameIDs that
	// excludeUser has not joined, ordered by creation.
	JoinableSessions(ctx context.Context, tenant, excludeUser string, gameIDs []string) ([]Session, error)
	// UserSessions returns the sessions user participates in within tenant.
	UserSessions(ctx context.Context, tenant, user string) ([]Session, error)
	Sessions(ctx context.Context, ids ...uuid.UUID) ([]Session, error)
	AllSessions(ctx context.Context) ([]Session, error)

	// CreateSession creates a session and joins creator to it.
	CreateSession(ctx context.Context, tenant, creator string, key Key, expireAt time.Time) (Session, error)
	// JoinSession adds user to the tenant's session or refreshes the user's
	// expiration. It returns nil when the tenant has no such session.
	JoinSession(ctx context.Context, tenant string, id uuid.UUID, user string, expireAt time.Time) (*Session, error)

	LeaveSessions(ctx context.Context, user string, ids []uuid.UUID) (Changes, error)
	// LeaveTenantSessions removes user from their sessions in tenant, limited
	// to ids when any are given.
	LeaveTenantSessions(ctx context.Context, tenant, user string, ids []uuid.UUID) (Changes, error)
	LeaveSessionsByGame(ctx context.Context, tenant, user string, gameIDs []string) (Changes, error)
	LeaveAllUserSessions(ctx context.Context, users ...string) (Changes, error)
	// StopSessions removes every participant from the given sessions.
	StopSessions(ctx context.Context, ids ...uuid.UUID) (Changes, error)
	// ClearExpiredJoins removes the joins that expired at or before now.
	ClearExpiredJoins(ctx context.Context, now time.Time) (Changes, error)

	// ResolveAliases maps each raw id, case folded, to its canonical id.
	// Unknown ids map to themselves.
	ResolveAliases(ctx context.Context, tenant string, rawIDs []string) (map[string]string, error)
	Aliases(ctx context.Context, tenant string) (map[string]string, error)
	// AddAlias makes alias the canonical id of gameIDs and rewrites the
	// sessions, names and defaults that used them. A user left in several
	// sessions of the same key stays only in the earliest one. The rewritten
	// sessions are reported as updated.
	AddAlias(ctx context.Context, tenant, alias string, gameIDs []string) (Changes, error)
	DeleteAliases(ctx context.Context, tenant string, gameIDs []string) error

	// DisplayNames returns the names of gameIDs, or every name of the tenant
	// when gameIDs is empty.
	DisplayNames(ctx context.Context, tenant string, gameIDs []string) (map[string]string, error)
	// SetDisplayName names a game and returns the sessions relabeled by it.
	SetDisplayName(ctx context.Context, tenant, gameID, name string) ([]Session, error)
	DeleteDisplayNames(ctx context.Context, tenant string, gameIDs []string) ([]Session, error)

	// GameDefaults returns the defaults stored for gameIDs, or every default
	// of the tenant when gameIDs is empty.
	GameDefaults(ctx context.Context, tenant string, gameIDs []string) (map[string]GameDefault, error)
	SetGameDefault(ctx context.Context, tenant, gameID string, def GameDefault) error
	DeleteGameDefaults(ctx context.Context, tenant string, gameIDs []string) error
}

// NormalizeID case folds and trims a game id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeIDs normalizes ids, dropping empty and duplicate entries.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
