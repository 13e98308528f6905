package matchmaking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"playmatch/matchmaker/internal/store"

	"go.uber.org/zap"
)

// Attempt is one game a user wants to play.
type Attempt struct {
	GameID      string
	PlayerCount int
	Description string
}

// SearchRequest is a search whose unset fields are filled from the tenant's
// game defaults and then from the engine defaults.
type SearchRequest struct {
	GameIDs          []string
	PlayerCount      *int
	Description      *string
	Duration         time.Duration
	AllowSuggestions bool
}

// SearchGames resolves req against the stored game defaults and runs Search.
func (e *Engine) SearchGames(ctx context.Context, tenant, user string, req SearchRequest) (Result, error) {
	ids := store.NormalizeIDs(req.GameIDs)
	if len(ids) == 0 {
		return NoAction{}, nil
	}

	var defaults map[string]store.GameDefault
	var aliases map[string]string
	err := e.read(ctx, func() (err error) {
		aliases, err = e.store.ResolveAliases(ctx, tenant, ids)
		if err != nil {
			return err
		}
		canonical := make([]string, 0, len(aliases))
		for _, id := range ids {
			canonical = append(canonical, aliases[id])
		}
		defaults, err = e.store.GameDefaults(ctx, tenant, canonical)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load game defaults: %w", err)
	}

	attempts := make([]Attempt, 0, len(ids))
	for _, id := range ids {
		def := defaults[aliases[id]]
		attempt := Attempt{GameID: id, PlayerCount: e.defaultMaxPlayerCount}
		switch {
		case req.PlayerCount != nil:
			attempt.PlayerCount = *req.PlayerCount
		case def.MaxPlayerCount != nil:
			attempt.PlayerCount = *def.MaxPlayerCount
		}
		switch {
		case req.Description != nil:
			attempt.Description = *req.Description
		case def.Description != nil:
			attempt.Description = *def.Description
		}
		attempts = append(attempts, attempt)
	}

	return e.Search(ctx, tenant, user, e.ExpireAfter(req.Duration), req.AllowSuggestions, attempts...)
}

// Search looks for sessions matching attempts.
//
// When exactly one kind of session is one player short of full for an
// undescribed attempt, the caller joins the earliest created one and the
// result is Matched. When the choice is ambiguous the result is
// Suggestions (if allowed, or if an undescribed exact match exists).
// Otherwise the caller waits: sessions the caller already has for an
// attempt are refreshed, and new ones are opened for the rest.
func (e *Engine) Search(ctx context.Context, tenant, user string, expireAt time.Time, allowSuggestions bool, attempts ...Attempt) (Result, error) {
	if len(attempts) == 0 {
		return NoAction{}, nil
	}
	for _, a := range attempts {
		if a.PlayerCount < 2 {
			return nil, ErrInvalidPlayerCount
		}
		if !validID(a.GameID) {
			return nil, ErrInvalidGameID
		}
	}

	var res Result
	err := e.mutate(ctx, func(cs *changeSet) error {
		var err error
		res, err = e.search(ctx, cs, tenant, user, expireAt, allowSuggestions, attempts)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("search finished",
		zap.String("tenant", tenant),
		zap.String("user", user),
		zap.String("result", res.Kind()))
	return res, nil
}

func (e *Engine) search(ctx context.Context, cs *changeSet, tenant, user string, expireAt time.Time, allowSuggestions bool, attempts []Attempt) (Result, error) {
	if err := e.purge(ctx, cs); err != nil {
		return nil, err
	}

	raw := make([]string, 0, len(attempts))
	for _, a := range attempts {
		raw = append(raw, a.GameID)
	}
	aliases, err := e.store.ResolveAliases(ctx, tenant, raw)
	if err != nil {
		return nil, fmt.Errorf("resolve aliases: %w", err)
	}

	var keys []store.Key
	wanted := make(map[store.Key]struct{}, len(attempts))
	var gameIDs []string
	seenGame := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		key := store.Key{
			GameID:      aliases[store.NormalizeID(a.GameID)],
			PlayerCount: a.PlayerCount,
			Description: strings.TrimSpace(a.Description),
		}
		if _, ok := wanted[key]; ok {
			continue
		}
		wanted[key] = struct{}{}
		keys = append(keys, key)
		if _, ok := seenGame[key.GameID]; !ok {
			seenGame[key.GameID] = struct{}{}
			gameIDs = append(gameIDs, key.GameID)
		}
	}

	joinable, err := e.store.JoinableSessions(ctx, tenant, user, gameIDs)
	if err != nil {
		return nil, fmt.Errorf("find joinable sessions: %w", err)
	}

	exact, other := classify(joinable, wanted)
	if len(exact) > 0 {
		first := exact[0]
		if len(other) == 0 && first.Description == "" && sameKey(exact) {
			res, err := e.join(ctx, cs, tenant, user, first.ID, expireAt)
			if err != nil {
				return nil, err
			}
			if _, failed := res.(FailedToJoin); !failed {
				return res, nil
			}
		}

		descriptionless := false
		for _, s := range exact {
			if s.Description == "" {
				descriptionless = true
				break
			}
		}
		if allowSuggestions || descriptionless {
			suggested := make([]store.Session, 0, len(exact)+len(other))
			suggested = append(suggested, exact...)
			suggested = append(suggested, other...)
			return Suggestions{Sessions: suggested, AllowWait: !descriptionless}, nil
		}
	} else if allowSuggestions && suggestable(joinable, keys) {
		return Suggestions{Sessions: joinable, AllowWait: true}, nil
	}

	return e.wait(ctx, cs, tenant, user, expireAt, keys, wanted, joinable)
}

// classify splits the sessions one player short of full into those whose
// key was asked for and the rest.
func classify(joinable []store.Session, wanted map[store.Key]struct{}) (exact, other []store.Session) {
	for _, s := range joinable {
		if s.Open() != 1 {
			continue
		}
		if _, ok := wanted[s.Key()]; ok {
			exact = append(exact, s)
		} else {
			other = append(other, s)
		}
	}
	return exact, other
}

func sameKey(sessions []store.Session) bool {
	for _, s := range sessions[1:] {
		if s.Key() != sessions[0].Key() {
			return false
		}
	}
	return true
}

// suggestable reports whether some session is worth offering. A described
// search is not offered sessions without a description.
func suggestable(joinable []store.Session, keys []store.Key) bool {
	for _, key := range keys {
		for _, s := range joinable {
			if s.GameID == key.GameID && (key.Description == "" || s.Description != "") {
				return true
			}
		}
	}
	return false
}

// wait puts the caller in one session per key: their own if they have one,
// else another user's undescribed session that is still far from full,
// else a new one.
func (e *Engine) wait(ctx context.Context, cs *changeSet, tenant, user string, expireAt time.Time, keys []store.Key, wanted map[store.Key]struct{}, joinable []store.Session) (Result, error) {
	own, err := e.store.UserSessions(ctx, tenant, user)
	if err != nil {
		return nil, fmt.Errorf("find user sessions: %w", err)
	}

	var forming []store.Session
	for _, s := range joinable {
		if _, ok := wanted[s.Key()]; ok && s.Open() > 1 && s.Description == "" {
			forming = append(forming, s)
		}
	}

	waiting := make([]store.Session, 0, len(keys))
	for _, key := range keys {
		existing, ok := findByKey(own, key)
		if !ok {
			existing, ok = findByKey(forming, key)
		}

		if ok {
			updated, err := e.store.JoinSession(ctx, tenant, existing.ID, user, expireAt)
			if err != nil {
				return nil, fmt.Errorf("refresh session %s: %w", existing.ID, err)
			}
			if updated == nil {
				continue
			}
			if len(updated.Participants) >= updated.MaxPlayerCount {
				panic(fmt.Sprintf("matchmaking: waiting session %s reached %d of %d participants",
					updated.ID, len(updated.Participants), updated.MaxPlayerCount))
			}
			cs.update(*updated)
			waiting = append(waiting, *updated)
			continue
		}

		created, err := e.store.CreateSession(ctx, tenant, user, key, expireAt)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		cs.add(created)
		waiting = append(waiting, created)
	}
	return Waiting{Sessions: waiting}, nil
}

func findByKey(sessions []store.Session, key store.Key) (store.Session, bool) {
	for _, s := range sessions {
		if s.Key() == key {
			return s, true
		}
	}
	return store.Session{}, false
}
