package store

import (
	"context"
	"testing"
	"time"

	"playmatch/matchmaker/internal/database/databasetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.UnixMilli(1_700_000_000_000)

func newStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(databasetest.Open(t))
}

func chess(players int) Key {
	return Key{GameID: "chess", PlayerCount: players}
}

func TestCreateAndJoinSession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateSession(ctx, "t1", "alice", Key{GameID: " Chess ", PlayerCount: 3}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "chess", created.GameID)
	assert.Equal(t, "chess", created.GameName)
	assert.Equal(t, 3, created.MaxPlayerCount)
	assert.Equal(t, map[string]time.Time{"alice": now.Add(time.Minute)}, created.Participants)

	joined, err := s.JoinSession(ctx, "t1", created.ID, "bob", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, joined)
	assert.Len(t, joined.Participants, 2)
	assert.Equal(t, 1, joined.Open())

	// Joining again only moves the expiration.
	again, err := s.JoinSession(ctx, "t1", created.ID, "bob", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Len(t, again.Participants, 2)
	assert.True(t, again.Participants["bob"].Equal(now.Add(5*time.Minute)))
}

func TestJoinMissingSession(t *testing.T) {
	s := newStore(t)

	joined, err := s.JoinSession(context.Background(), "t1", uuid.New(), "bob", now)
	require.NoError(t, err)
	assert.Nil(t, joined)
}

func TestJoinSessionOfOtherTenant(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateSession(ctx, "t1", "alice", chess(2), now.Add(time.Minute))
	require.NoError(t, err)

	joined, err := s.JoinSession(ctx, "t2", created.ID, "mallory", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, joined)

	sessions, err := s.Sessions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Has("mallory"))
}

func TestJoinableSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first, err := s.CreateSession(ctx, "t1", "alice", chess(2), now.Add(time.Minute))
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "t1", "carol", chess(2), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "t1", "bob", chess(2), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "t2", "dave", chess(2), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "t1", "erin", Key{GameID: "go", PlayerCount: 2}, now.Add(time.Minute))
	require.NoError(t, err)

	joinable, err := s.JoinableSessions(ctx, "t1", "bob", []string{"CHESS"})
	require.NoError(t, err)
	require.Len(t, joinable, 2)
	assert.Equal(t, first.ID, joinable[0].ID)
	assert.Equal(t, second.ID, joinable[1].ID)

	mine, err := s.UserSessions(ctx, "t1", "bob")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.True(t, mine[0].Has("bob"))
}

func TestLeaveSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	alone, err := s.CreateSession(ctx, "t1", "alice", chess(3), now.Add(time.Minute))
	require.NoError(t, err)
	shared, err := s.CreateSession(ctx, "t1", "bob", chess(4), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, "t1", shared.ID, "alice", now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.LeaveAllUserSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, changes.Removed, 1)
	assert.Equal(t, Removed{ID: alone.ID, Tenant: "t1"}, changes.Removed[0])
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, shared.ID, changes.Updated[0].ID)
	assert.False(t, changes.Updated[0].Has("alice"))

	sessions, err := s.Sessions(ctx, alone.ID, shared.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, shared.ID, sessions[0].ID)

	// Leaving a session the user is not in changes nothing.
	changes, err = s.LeaveSessions(ctx, "alice", []uuid.UUID{shared.ID})
	require.NoError(t, err)
	assert.True(t, changes.Empty())
}

func TestLeaveTenantSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first, err := s.CreateSession(ctx, "t1", "alice", chess(3), now.Add(time.Minute))
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "t1", "alice", Key{GameID: "go", PlayerCount: 3}, now.Add(time.Minute))
	require.NoError(t, err)
	outside, err := s.CreateSession(ctx, "t2", "alice", chess(3), now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.LeaveTenantSessions(ctx, "t1", "alice", []uuid.UUID{first.ID, outside.ID})
	require.NoError(t, err)
	assert.Equal(t, []Removed{{ID: first.ID, Tenant: "t1"}}, changes.Removed)

	changes, err = s.LeaveTenantSessions(ctx, "t1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []Removed{{ID: second.ID, Tenant: "t1"}}, changes.Removed)

	rest, err := s.UserSessions(ctx, "t2", "alice")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, outside.ID, rest[0].ID)
}

func TestLeaveSessionsByGameFollowsAliases(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddAlias(ctx, "t1", "chess", []string{"schach"})
	require.NoError(t, err)
	created, err := s.CreateSession(ctx, "t1", "alice", chess(2), now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.LeaveSessionsByGame(ctx, "t1", "alice", []string{"Schach"})
	require.NoError(t, err)
	require.Len(t, changes.Removed, 1)
	assert.Equal(t, created.ID, changes.Removed[0].ID)
}

func TestStopSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateSession(ctx, "t1", "alice", chess(3), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, "t1", created.ID, "bob", now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.StopSessions(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, changes.Updated)
	assert.Equal(t, []Removed{{ID: created.ID, Tenant: "t1"}}, changes.Removed)

	all, err := s.AllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClearExpiredJoins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	expiring, err := s.CreateSession(ctx, "t1", "alice", chess(3), now)
	require.NoError(t, err)
	shared, err := s.CreateSession(ctx, "t1", "bob", chess(4), now.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, "t1", shared.ID, "carol", now.Add(-time.Second))
	require.NoError(t, err)

	changes, err := s.ClearExpiredJoins(ctx, now.Add(-2*time.Second))
	require.NoError(t, err)
	assert.True(t, changes.Empty())

	// Expirations equal to now count as expired.
	changes, err = s.ClearExpiredJoins(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []Removed{{ID: expiring.ID, Tenant: "t1"}}, changes.Removed)
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, shared.ID, changes.Updated[0].ID)
	assert.Equal(t, []string{"bob"}, participants(changes.Updated[0]))
}

func TestAddAliasRewritesSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetDisplayName(ctx, "t1", "mtg", "Magic")
	require.NoError(t, err)
	created, err := s.CreateSession(ctx, "t1", "alice", Key{GameID: "mtg", PlayerCount: 2}, now.Add(time.Minute))
	require.NoError(t, err)
	other, err := s.CreateSession(ctx, "t2", "alice", Key{GameID: "mtg", PlayerCount: 2}, now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.AddAlias(ctx, "t1", "magic", []string{"MTG", "magic"})
	require.NoError(t, err)
	assert.Empty(t, changes.Removed)
	rewritten := changes.Updated
	require.Len(t, rewritten, 1)
	assert.Equal(t, created.ID, rewritten[0].ID)
	assert.Equal(t, "magic", rewritten[0].GameID)
	assert.Equal(t, "Magic", rewritten[0].GameName, "name moves to the canonical id")

	untouched, err := s.Sessions(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, untouched, 1)
	assert.Equal(t, "mtg", untouched[0].GameID)

	resolved, err := s.ResolveAliases(ctx, "t1", []string{"mtg", "Magic", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"mtg": "magic", "magic": "magic", "unknown": "unknown"}, resolved)
}

func TestAddAliasMergesDuplicateJoins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	blitz, err := s.CreateSession(ctx, "t1", "alice", Key{GameID: "blitz", PlayerCount: 2}, now.Add(time.Minute))
	require.NoError(t, err)
	duel, err := s.CreateSession(ctx, "t1", "alice", chess(2), now.Add(time.Hour))
	require.NoError(t, err)
	ranked, err := s.CreateSession(ctx, "t1", "alice", Key{GameID: "chess", PlayerCount: 2, Description: "ranked"}, now.Add(time.Minute))
	require.NoError(t, err)

	changes, err := s.AddAlias(ctx, "t1", "chess", []string{"blitz"})
	require.NoError(t, err)
	assert.Equal(t, []Removed{{ID: duel.ID, Tenant: "t1"}}, changes.Removed)
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, blitz.ID, changes.Updated[0].ID)
	assert.True(t, changes.Updated[0].Participants["alice"].Equal(now.Add(time.Hour)))

	mine, err := s.UserSessions(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, []uuid.UUID{blitz.ID, ranked.ID}, []uuid.UUID{mine[0].ID, mine[1].ID})
}

func TestAddAliasFoldsTransitively(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddAlias(ctx, "t1", "b", []string{"a"})
	require.NoError(t, err)
	_, err = s.AddAlias(ctx, "t1", "c", []string{"b"})
	require.NoError(t, err)

	aliases, err := s.Aliases(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "c", "b": "c"}, aliases)

	// Aliasing onto an aliased id uses its canonical id.
	_, err = s.AddAlias(ctx, "t1", "a", []string{"d"})
	require.NoError(t, err)
	resolved, err := s.ResolveAliases(ctx, "t1", []string{"d"})
	require.NoError(t, err)
	assert.Equal(t, "c", resolved["d"])

	require.NoError(t, s.DeleteAliases(ctx, "t1", []string{"d"}))
	resolved, err = s.ResolveAliases(ctx, "t1", []string{"d"})
	require.NoError(t, err)
	assert.Equal(t, "d", resolved["d"])
}

func TestDisplayNames(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateSession(ctx, "t1", "alice", chess(2), now.Add(time.Minute))
	require.NoError(t, err)

	relabeled, err := s.SetDisplayName(ctx, "t1", "Chess", "Chess 960")
	require.NoError(t, err)
	require.Len(t, relabeled, 1)
	assert.Equal(t, created.ID, relabeled[0].ID)
	assert.Equal(t, "Chess 960", relabeled[0].GameName)

	names, err := s.DisplayNames(ctx, "t1", []string{"chess", "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chess": "Chess 960", "go": "go"}, names)

	relabeled, err = s.DeleteDisplayNames(ctx, "t1", []string{"chess"})
	require.NoError(t, err)
	require.Len(t, relabeled, 1)
	assert.Equal(t, "chess", relabeled[0].GameName)
}

func TestGameDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddAlias(ctx, "t1", "chess", []string{"schach"})
	require.NoError(t, err)

	four := 4
	ranked := "ranked"
	require.NoError(t, s.SetGameDefault(ctx, "t1", "schach", GameDefault{MaxPlayerCount: &four}))
	require.NoError(t, s.SetGameDefault(ctx, "t1", "go", GameDefault{Description: &ranked}))

	defaults, err := s.GameDefaults(ctx, "t1", []string{"chess"})
	require.NoError(t, err)
	require.Contains(t, defaults, "chess")
	assert.Equal(t, 4, *defaults["chess"].MaxPlayerCount)
	assert.Nil(t, defaults["chess"].Description)

	all, err := s.GameDefaults(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteGameDefaults(ctx, "t1", []string{"chess", "go"}))
	all, err = s.GameDefaults(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNormalizeIDs(t *testing.T) {
	assert.Equal(t, []string{"chess", "go"}, NormalizeIDs([]string{" Chess", "", "go", "CHESS "}))
	assert.Empty(t, NormalizeIDs(nil))
}

func participants(s Session) []string {
	var users []string
	for u := range s.Participants {
		users = append(users, u)
	}
	return users
}
