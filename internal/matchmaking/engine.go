// Package matchmaking pairs users into game sessions.
//
// The Engine decides, for every search, whether the caller joins an existing
// session, is offered a choice of sessions, or waits in a session of their
// own. Every state-changing call runs under a single engine-wide lock so
// that the read-decide-write sequence of one call never interleaves with
// another. Changes are reported to listeners registered with Subscribe.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"playmatch/matchmaker/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidPlayerCount = errors.New("matchmaking: player count must be at least 2")
	ErrInvalidGameID      = errors.New("matchmaking: game id must be a single non-empty word")
	ErrInvalidName        = errors.New("matchmaking: game name must not be empty")
)

const (
	defaultMaxPlayerCount = 2
	defaultJoinDuration   = 30 * time.Minute
)

// Engine is the matchmaking orchestrator.
type Engine struct {
	store  store.Store
	sem    *semaphore.Weighted
	clock  clock.Clock
	logger *zap.Logger

	listeners listeners

	defaultMaxPlayerCount int
	defaultJoinDuration   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for expirations.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDefaults sets the player count and join duration used by SearchGames
// when neither the request nor the game defaults specify them.
func WithDefaults(maxPlayerCount int, joinDuration time.Duration) Option {
	return func(e *Engine) {
		if maxPlayerCount >= 2 {
			e.defaultMaxPlayerCount = maxPlayerCount
		}
		if joinDuration > 0 {
			e.defaultJoinDuration = joinDuration
		}
	}
}

// New returns an engine backed by st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:                 st,
		sem:                   semaphore.NewWeighted(1),
		clock:                 clock.New(),
		logger:                zap.NewNop(),
		defaultMaxPlayerCount: defaultMaxPlayerCount,
		defaultJoinDuration:   defaultJoinDuration,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers fn for every future event and returns a function
// that unregisters it.
func (e *Engine) Subscribe(fn Listener) func() {
	return e.listeners.add(fn)
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// ExpireAfter returns the expiration for a join lasting d, or the default
// join duration when d is not positive.
func (e *Engine) ExpireAfter(d time.Duration) time.Time {
	if d <= 0 {
		d = e.defaultJoinDuration
	}
	return e.clock.Now().Add(d)
}

// mutate runs fn under the engine lock and emits what it changed before
// the lock is released, whether or not fn failed.
func (e *Engine) mutate(ctx context.Context, fn func(cs *changeSet) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	cs := newChangeSet()
	err := fn(cs)
	for _, ev := range cs.events() {
		e.listeners.emit(e.logger, ev)
	}
	return err
}

// read runs fn under the engine lock so it observes a consistent snapshot.
func (e *Engine) read(ctx context.Context, fn func() error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return fn()
}

func (e *Engine) purge(ctx context.Context, cs *changeSet) error {
	changes, err := e.store.ClearExpiredJoins(ctx, e.clock.Now())
	if err != nil {
		return fmt.Errorf("clear expired joins: %w", err)
	}
	if !changes.Empty() {
		e.logger.Debug("cleared expired joins",
			zap.Int("updated", len(changes.Updated)),
			zap.Int("removed", len(changes.Removed)))
	}
	cs.apply(changes, ReasonExpired)
	return nil
}

// ClearExpiredJoins removes every join whose expiration has passed.
func (e *Engine) ClearExpiredJoins(ctx context.Context) error {
	return e.mutate(ctx, func(cs *changeSet) error {
		return e.purge(ctx, cs)
	})
}

// TryJoinSession joins user to a session of tenant. The result is Waiting
// while the session still has room, Matched when the join filled it, and
// FailedToJoin when tenant has no such session.
func (e *Engine) TryJoinSession(ctx context.Context, tenant, user string, id uuid.UUID, expireAt time.Time) (Result, error) {
	var res Result
	err := e.mutate(ctx, func(cs *changeSet) error {
		if err := e.purge(ctx, cs); err != nil {
			return err
		}
		var err error
		res, err = e.join(ctx, cs, tenant, user, id, expireAt)
		return err
	})
	return res, err
}

// join adds user to the session and, when that fills it, removes every
// participant from all of their sessions.
func (e *Engine) join(ctx context.Context, cs *changeSet, tenant, user string, id uuid.UUID, expireAt time.Time) (Result, error) {
	joined, err := e.store.JoinSession(ctx, tenant, id, user, expireAt)
	if err != nil {
		return nil, fmt.Errorf("join session %s: %w", id, err)
	}
	if joined == nil {
		return FailedToJoin{}, nil
	}
	if n := len(joined.Participants); n > joined.MaxPlayerCount {
		panic(fmt.Sprintf("matchmaking: session %s has %d participants, max %d", joined.ID, n, joined.MaxPlayerCount))
	}
	if !joined.Full() {
		cs.update(*joined)
		return Waiting{Sessions: []store.Session{*joined}}, nil
	}

	users := make([]string, 0, len(joined.Participants))
	for u := range joined.Participants {
		users = append(users, u)
	}
	changes, err := e.store.LeaveAllUserSessions(ctx, users...)
	if err != nil {
		return nil, fmt.Errorf("leave sessions of matched users: %w", err)
	}
	cs.update(changes.Updated...)
	cs.stop(changes.Removed, func(removed uuid.UUID) StopReason {
		if removed == joined.ID {
			return ReasonJoined
		}
		return ReasonJoinedOther
	})

	e.logger.Info("session matched",
		zap.Stringer("session", joined.ID),
		zap.String("tenant", joined.Tenant),
		zap.String("game", joined.GameID),
		zap.Strings("users", users))
	return Matched{Session: *joined}, nil
}

// region --- Leaving ---

// LeaveSessions removes user from the given sessions.
func (e *Engine) LeaveSessions(ctx context.Context, user string, ids ...uuid.UUID) (Changes, error) {
	return e.leave(ctx, func() (store.Changes, error) {
		return e.store.LeaveSessions(ctx, user, ids)
	})
}

// LeaveSessionsByGame removes user from their tenant sessions for gameIDs.
func (e *Engine) LeaveSessionsByGame(ctx context.Context, tenant, user string, gameIDs ...string) (Changes, error) {
	return e.leave(ctx, func() (store.Changes, error) {
		return e.store.LeaveSessionsByGame(ctx, tenant, user, gameIDs)
	})
}

// LeaveTenantSessions removes user from their sessions in tenant. When ids
// are given only those sessions are left.
func (e *Engine) LeaveTenantSessions(ctx context.Context, tenant, user string, ids ...uuid.UUID) (Changes, error) {
	return e.leave(ctx, func() (store.Changes, error) {
		return e.store.LeaveTenantSessions(ctx, tenant, user, ids)
	})
}

// LeaveAllUserSessions removes user from every session of every tenant.
func (e *Engine) LeaveAllUserSessions(ctx context.Context, user string) (Changes, error) {
	return e.leave(ctx, func() (store.Changes, error) {
		return e.store.LeaveAllUserSessions(ctx, user)
	})
}

// StopSessions removes every participant from the given sessions.
func (e *Engine) StopSessions(ctx context.Context, ids ...uuid.UUID) (Changes, error) {
	return e.leave(ctx, func() (store.Changes, error) {
		return e.store.StopSessions(ctx, ids...)
	})
}

func (e *Engine) leave(ctx context.Context, fn func() (store.Changes, error)) (Changes, error) {
	var out Changes
	err := e.mutate(ctx, func(cs *changeSet) error {
		changes, err := fn()
		if err != nil {
			return err
		}
		cs.apply(changes, ReasonCanceled)
		out = cs.report()
		return nil
	})
	return out, err
}

// endregion

// region --- Session reads ---

func (e *Engine) Sessions(ctx context.Context, ids ...uuid.UUID) ([]store.Session, error) {
	var sessions []store.Session
	err := e.read(ctx, func() (err error) {
		sessions, err = e.store.Sessions(ctx, ids...)
		return err
	})
	return sessions, err
}

func (e *Engine) AllSessions(ctx context.Context) ([]store.Session, error) {
	var sessions []store.Session
	err := e.read(ctx, func() (err error) {
		sessions, err = e.store.AllSessions(ctx)
		return err
	})
	return sessions, err
}

func (e *Engine) UserSessions(ctx context.Context, tenant, user string) ([]store.Session, error) {
	var sessions []store.Session
	err := e.read(ctx, func() (err error) {
		sessions, err = e.store.UserSessions(ctx, tenant, user)
		return err
	})
	return sessions, err
}

// endregion

// region --- Aliases, names and defaults ---

// AddAlias makes alias the canonical id of gameIDs within tenant. Sessions
// using one of gameIDs are rewritten and reported as changed. Sessions a
// user ends up holding twice under one key are merged, and the ones emptied
// by that stop as canceled.
func (e *Engine) AddAlias(ctx context.Context, tenant, alias string, gameIDs ...string) error {
	if !validID(alias) {
		return ErrInvalidGameID
	}
	for _, id := range gameIDs {
		if !validID(id) {
			return ErrInvalidGameID
		}
	}
	return e.mutate(ctx, func(cs *changeSet) error {
		changes, err := e.store.AddAlias(ctx, tenant, alias, gameIDs)
		if err != nil {
			return fmt.Errorf("add alias %q: %w", alias, err)
		}
		cs.apply(changes, ReasonCanceled)
		return nil
	})
}

func (e *Engine) Aliases(ctx context.Context, tenant string) (map[string]string, error) {
	var aliases map[string]string
	err := e.read(ctx, func() (err error) {
		aliases, err = e.store.Aliases(ctx, tenant)
		return err
	})
	return aliases, err
}

func (e *Engine) ResolveAliases(ctx context.Context, tenant string, gameIDs ...string) (map[string]string, error) {
	var aliases map[string]string
	err := e.read(ctx, func() (err error) {
		aliases, err = e.store.ResolveAliases(ctx, tenant, gameIDs)
		return err
	})
	return aliases, err
}

func (e *Engine) DeleteAliases(ctx context.Context, tenant string, gameIDs ...string) error {
	return e.mutate(ctx, func(*changeSet) error {
		return e.store.DeleteAliases(ctx, tenant, gameIDs)
	})
}

// SetDisplayName names a game; sessions of that game are reported as changed.
func (e *Engine) SetDisplayName(ctx context.Context, tenant, gameID, name string) error {
	if !validID(gameID) {
		return ErrInvalidGameID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	return e.mutate(ctx, func(cs *changeSet) error {
		relabeled, err := e.store.SetDisplayName(ctx, tenant, gameID, name)
		if err != nil {
			return fmt.Errorf("set name of %q: %w", gameID, err)
		}
		cs.update(relabeled...)
		return nil
	})
}

func (e *Engine) DisplayNames(ctx context.Context, tenant string, gameIDs ...string) (map[string]string, error) {
	var names map[string]string
	err := e.read(ctx, func() (err error) {
		names, err = e.store.DisplayNames(ctx, tenant, gameIDs)
		return err
	})
	return names, err
}

func (e *Engine) DeleteDisplayNames(ctx context.Context, tenant string, gameIDs ...string) error {
	return e.mutate(ctx, func(cs *changeSet) error {
		relabeled, err := e.store.DeleteDisplayNames(ctx, tenant, gameIDs)
		if err != nil {
			return err
		}
		cs.update(relabeled...)
		return nil
	})
}

func (e *Engine) SetGameDefault(ctx context.Context, tenant, gameID string, def store.GameDefault) error {
	if !validID(gameID) {
		return ErrInvalidGameID
	}
	if def.MaxPlayerCount != nil && *def.MaxPlayerCount < 2 {
		return ErrInvalidPlayerCount
	}
	return e.mutate(ctx, func(*changeSet) error {
		return e.store.SetGameDefault(ctx, tenant, gameID, def)
	})
}

func (e *Engine) GameDefaults(ctx context.Context, tenant string, gameIDs ...string) (map[string]store.GameDefault, error) {
	var defaults map[string]store.GameDefault
	err := e.read(ctx, func() (err error) {
		defaults, err = e.store.GameDefaults(ctx, tenant, gameIDs)
		return err
	})
	return defaults, err
}

func (e *Engine) DeleteGameDefaults(ctx context.Context, tenant string, gameIDs ...string) error {
	return e.mutate(ctx, func(*changeSet) error {
		return e.store.DeleteGameDefaults(ctx, tenant, gameIDs)
	})
}

// endregion

func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, " \t\n")
}
