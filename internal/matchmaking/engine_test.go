package matchmaking_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"playmatch/matchmaker/internal/database/databasetest"
	"playmatch/matchmaker/internal/matchmaking"
	"playmatch/matchmaker/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const tenant = "guild"

type fixture struct {
	engine *matchmaking.Engine
	clock  *clock.Mock

	mu     sync.Mutex
	events []matchmaking.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))

	f := &fixture{clock: mock}
	f.engine = matchmaking.New(store.NewGormStore(databasetest.Open(t)), matchmaking.WithClock(mock))
	t.Cleanup(f.engine.Subscribe(func(ev matchmaking.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	}))
	return f
}

// stopped merges the Stopped maps of every event received so far.
func (f *fixture) stopped() map[uuid.UUID]matchmaking.StopReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]matchmaking.StopReason)
	for _, ev := range f.events {
		for id, s := range ev.Stopped {
			out[id] = s.Reason
		}
	}
	return out
}

func (f *fixture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *fixture) search(t *testing.T, user string, allowSuggestions bool, attempts ...matchmaking.Attempt) matchmaking.Result {
	t.Helper()
	res, err := f.engine.Search(context.Background(), tenant, user, f.engine.ExpireAfter(time.Minute), allowSuggestions, attempts...)
	require.NoError(t, err)
	return res
}

func attempt(game string, players int, description string) matchmaking.Attempt {
	return matchmaking.Attempt{GameID: game, PlayerCount: players, Description: description}
}

func waiting(t *testing.T, res matchmaking.Result) []store.Session {
	t.Helper()
	w, ok := res.(matchmaking.Waiting)
	require.True(t, ok, "expected waiting, got %s", res.Kind())
	return w.Sessions
}

func TestSearchMatchesWaitingPlayer(t *testing.T) {
	f := newFixture(t)

	sessions := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))
	require.Len(t, sessions, 1)
	first := sessions[0]
	assert.Equal(t, 2, first.MaxPlayerCount)
	assert.Equal(t, []string{"alice"}, users(first))

	res := f.search(t, "bob", false, attempt("Chess", 2, ""))
	matched, ok := res.(matchmaking.Matched)
	require.True(t, ok, "expected matched, got %s", res.Kind())
	assert.Equal(t, first.ID, matched.Session.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users(matched.Session))

	assert.Equal(t, matchmaking.ReasonJoined, f.stopped()[first.ID])
	all, err := f.engine.AllSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSearchRoundTrip(t *testing.T) {
	f := newFixture(t)

	created := waiting(t, f.search(t, "alice", false, attempt("chess", 4, "ranked")))[0]

	got, err := f.engine.Sessions(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].MaxPlayerCount)
	assert.Equal(t, "ranked", got[0].Description)
	assert.Equal(t, []string{"alice"}, users(got[0]))
}

func TestSearchDifferentDescriptions(t *testing.T) {
	t.Run("suggestions allowed", func(t *testing.T) {
		f := newFixture(t)
		ranked := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "ranked")))[0]

		res := f.search(t, "bob", true, attempt("chess", 2, "casual"))
		suggestions, ok := res.(matchmaking.Suggestions)
		require.True(t, ok, "expected suggestions, got %s", res.Kind())
		require.Len(t, suggestions.Sessions, 1)
		assert.Equal(t, ranked.ID, suggestions.Sessions[0].ID)
		assert.True(t, suggestions.AllowWait)
	})

	t.Run("suggestions not allowed", func(t *testing.T) {
		f := newFixture(t)
		ranked := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "ranked")))[0]

		casual := waiting(t, f.search(t, "bob", false, attempt("chess", 2, "casual")))
		require.Len(t, casual, 1)
		assert.NotEqual(t, ranked.ID, casual[0].ID)
		assert.Equal(t, "casual", casual[0].Description)
	})
}

func TestSearchDescribedExactMatchIsSuggested(t *testing.T) {
	f := newFixture(t)
	ranked := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "ranked")))[0]

	// Free text is never joined without the caller choosing it.
	res := f.search(t, "bob", true, attempt("chess", 2, "ranked"))
	suggestions, ok := res.(matchmaking.Suggestions)
	require.True(t, ok, "expected suggestions, got %s", res.Kind())
	assert.Equal(t, ranked.ID, suggestions.Sessions[0].ID)
	assert.True(t, suggestions.AllowWait)
}

func TestSearchReusesOwnSession(t *testing.T) {
	f := newFixture(t)

	first := waiting(t, f.search(t, "alice", false, attempt("chess", 3, "")))[0]
	f.clock.Add(10 * time.Second)
	again := waiting(t, f.search(t, "alice", false, attempt("chess", 3, ""), attempt("CHESS", 3, "")))

	require.Len(t, again, 1)
	assert.Equal(t, first.ID, again[0].ID)
	assert.Len(t, again[0].Participants, 1)
	assert.True(t, again[0].Participants["alice"].After(first.Participants["alice"]))

	mine, err := f.engine.UserSessions(context.Background(), tenant, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestSearchJoinsFormingSession(t *testing.T) {
	f := newFixture(t)

	first := waiting(t, f.search(t, "alice", false, attempt("chess", 3, "")))[0]

	second := waiting(t, f.search(t, "bob", false, attempt("chess", 3, "")))
	require.Len(t, second, 1)
	assert.Equal(t, first.ID, second[0].ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users(second[0]))

	res := f.search(t, "carol", false, attempt("chess", 3, ""))
	require.IsType(t, matchmaking.Matched{}, res)
	assert.Equal(t, matchmaking.ReasonJoined, f.stopped()[first.ID])
}

func TestSearchAmbiguousMatchesAreSuggested(t *testing.T) {
	f := newFixture(t)

	chess := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))[0]
	goSession := waiting(t, f.search(t, "carol", false, attempt("go", 2, "")))[0]

	res := f.search(t, "bob", false, attempt("chess", 2, ""), attempt("go", 2, ""))
	suggestions, ok := res.(matchmaking.Suggestions)
	require.True(t, ok, "expected suggestions, got %s", res.Kind())
	assert.Equal(t, []uuid.UUID{chess.ID, goSession.ID}, ids(suggestions.Sessions))
	assert.False(t, suggestions.AllowWait)
}

func TestSearchOtherPlayableBlocksImmediateJoin(t *testing.T) {
	f := newFixture(t)

	pair := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))[0]
	trio := waiting(t, f.search(t, "dave", false, attempt("chess", 3, "")))[0]
	waiting(t, f.search(t, "erin", false, attempt("chess", 3, "")))

	res := f.search(t, "bob", false, attempt("chess", 2, ""))
	suggestions, ok := res.(matchmaking.Suggestions)
	require.True(t, ok, "expected suggestions, got %s", res.Kind())
	assert.Equal(t, []uuid.UUID{pair.ID, trio.ID}, ids(suggestions.Sessions))
	assert.False(t, suggestions.AllowWait)
}

func TestSearchEarliestSessionWins(t *testing.T) {
	f := newFixture(t)

	// Two interchangeable sessions only coexist once an alias merges them.
	first := waiting(t, f.search(t, "alice", false, attempt("blitz", 2, "")))[0]
	waiting(t, f.search(t, "carol", false, attempt("chess", 2, "")))
	require.NoError(t, f.engine.AddAlias(context.Background(), tenant, "chess", "blitz"))

	res := f.search(t, "bob", false, attempt("chess", 2, ""))
	matched, ok := res.(matchmaking.Matched)
	require.True(t, ok, "expected matched, got %s", res.Kind())
	assert.Equal(t, first.ID, matched.Session.ID)

	left, err := f.engine.UserSessions(context.Background(), tenant, "carol")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSearchDescribedSessionsKeepCreationOrder(t *testing.T) {
	f := newFixture(t)

	first := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "ranked")))[0]
	second := waiting(t, f.search(t, "carol", false, attempt("chess", 2, "ranked")))[0]
	require.NotEqual(t, first.ID, second.ID)

	res := f.search(t, "bob", true, attempt("chess", 2, "ranked"))
	suggestions, ok := res.(matchmaking.Suggestions)
	require.True(t, ok, "expected suggestions, got %s", res.Kind())
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ids(suggestions.Sessions))
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Search(ctx, tenant, "alice", f.engine.ExpireAfter(0), false)
	require.NoError(t, err)
	assert.IsType(t, matchmaking.NoAction{}, res)

	_, err = f.engine.Search(ctx, tenant, "alice", f.engine.ExpireAfter(0), false, attempt("chess", 1, ""))
	assert.ErrorIs(t, err, matchmaking.ErrInvalidPlayerCount)

	_, err = f.engine.Search(ctx, tenant, "alice", f.engine.ExpireAfter(0), false, attempt("two words", 2, ""))
	assert.ErrorIs(t, err, matchmaking.ErrInvalidGameID)
}

func TestSearchCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Search(ctx, tenant, "alice", f.engine.ExpireAfter(0), false, attempt("chess", 2, ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchPurgesExpiredJoins(t *testing.T) {
	f := newFixture(t)

	stale := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))[0]
	f.clock.Add(2 * time.Minute)

	fresh := waiting(t, f.search(t, "bob", false, attempt("chess", 2, "")))[0]
	assert.NotEqual(t, stale.ID, fresh.ID)
	assert.Equal(t, matchmaking.ReasonExpired, f.stopped()[stale.ID])
}

func TestSearchGamesUsesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	four := 4
	weekly := "weekly"
	require.NoError(t, f.engine.SetGameDefault(ctx, tenant, "chess", store.GameDefault{MaxPlayerCount: &four, Description: &weekly}))
	require.NoError(t, f.engine.AddAlias(ctx, tenant, "chess", "schach"))

	res, err := f.engine.SearchGames(ctx, tenant, "alice", matchmaking.SearchRequest{GameIDs: []string{"schach", "go"}})
	require.NoError(t, err)
	sessions := waiting(t, res)
	require.Len(t, sessions, 2)
	assert.Equal(t, "chess", sessions[0].GameID)
	assert.Equal(t, 4, sessions[0].MaxPlayerCount)
	assert.Equal(t, "weekly", sessions[0].Description)
	assert.Equal(t, "go", sessions[1].GameID)
	assert.Equal(t, 2, sessions[1].MaxPlayerCount)
	assert.Equal(t, "", sessions[1].Description)
	assert.True(t, sessions[1].Participants["alice"].Equal(f.clock.Now().Add(30*time.Minute)))

	// Explicit parameters win over the defaults.
	three := 3
	none := ""
	res, err = f.engine.SearchGames(ctx, tenant, "bob", matchmaking.SearchRequest{
		GameIDs:     []string{"chess"},
		PlayerCount: &three,
		Description: &none,
		Duration:    5 * time.Minute,
	})
	require.NoError(t, err)
	sessions = waiting(t, res)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].MaxPlayerCount)
	assert.Equal(t, "", sessions[0].Description)
	assert.True(t, sessions[0].Participants["bob"].Equal(f.clock.Now().Add(5*time.Minute)))
}

func TestTryJoinSessionCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceSessions := waiting(t, f.search(t, "alice", false, attempt("chess", 2, ""), attempt("go", 2, "")))
	require.Len(t, aliceSessions, 2)
	chess, goSession := aliceSessions[0], aliceSessions[1]
	bobPoker := waiting(t, f.search(t, "bob", false, attempt("poker", 4, "")))[0]
	f.reset()

	res, err := f.engine.TryJoinSession(ctx, tenant, "bob", chess.ID, f.engine.ExpireAfter(time.Minute))
	require.NoError(t, err)
	require.IsType(t, matchmaking.Matched{}, res)

	assert.Equal(t, map[uuid.UUID]matchmaking.StopReason{
		chess.ID:     matchmaking.ReasonJoined,
		goSession.ID: matchmaking.ReasonJoinedOther,
		bobPoker.ID:  matchmaking.ReasonJoinedOther,
	}, f.stopped())

	all, err := f.engine.AllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTryJoinSessionOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.TryJoinSession(ctx, tenant, "bob", uuid.New(), f.engine.ExpireAfter(0))
	require.NoError(t, err)
	assert.IsType(t, matchmaking.FailedToJoin{}, res)

	trio := waiting(t, f.search(t, "alice", false, attempt("chess", 3, "")))[0]
	res, err = f.engine.TryJoinSession(ctx, tenant, "bob", trio.ID, f.engine.ExpireAfter(0))
	require.NoError(t, err)
	joined := waiting(t, res)
	require.Len(t, joined, 1)
	assert.Len(t, joined[0].Participants, 2)

	// Joining twice refreshes the expiration without adding a participant.
	f.clock.Add(time.Second)
	res, err = f.engine.TryJoinSession(ctx, tenant, "bob", trio.ID, f.engine.ExpireAfter(0))
	require.NoError(t, err)
	rejoined := waiting(t, res)
	assert.Len(t, rejoined[0].Participants, 2)
	assert.True(t, rejoined[0].Participants["bob"].After(joined[0].Participants["bob"]))
}

func TestTryJoinSessionStaysInTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	duel := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))[0]
	f.reset()

	res, err := f.engine.TryJoinSession(ctx, "other", "mallory", duel.ID, f.engine.ExpireAfter(0))
	require.NoError(t, err)
	assert.IsType(t, matchmaking.FailedToJoin{}, res)
	assert.Empty(t, f.stopped())

	sessions, err := f.engine.Sessions(ctx, duel.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, []string{"alice"}, users(sessions[0]))
}

func TestLeaveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sessions := waiting(t, f.search(t, "alice", false, attempt("chess", 3, ""), attempt("go", 3, "")))
	waiting(t, f.search(t, "bob", false, attempt("chess", 3, "")))

	changes, err := f.engine.LeaveSessionsByGame(ctx, tenant, "alice", "go")
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]matchmaking.Stopped{
		sessions[1].ID: {Tenant: tenant, Reason: matchmaking.ReasonCanceled},
	}, changes.Stopped)
	assert.Empty(t, changes.Updated)

	changes, err = f.engine.LeaveAllUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, changes.Stopped)
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, []string{"bob"}, users(changes.Updated[0]))

	changes, err = f.engine.LeaveSessions(ctx, "bob", sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, matchmaking.ReasonCanceled, changes.Stopped[sessions[0].ID].Reason)
}

func TestLeaveTenantSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := waiting(t, f.search(t, "alice", false, attempt("chess", 3, ""), attempt("go", 3, "")))
	elsewhere, err := f.engine.Search(ctx, "other", "alice", f.engine.ExpireAfter(time.Minute), false, attempt("chess", 3, ""))
	require.NoError(t, err)
	outside := waiting(t, elsewhere)[0]

	changes, err := f.engine.LeaveTenantSessions(ctx, tenant, "alice", outside.ID, mine[1].ID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]matchmaking.Stopped{
		mine[1].ID: {Tenant: tenant, Reason: matchmaking.ReasonCanceled},
	}, changes.Stopped)

	changes, err = f.engine.LeaveTenantSessions(ctx, tenant, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]matchmaking.Stopped{
		mine[0].ID: {Tenant: tenant, Reason: matchmaking.ReasonCanceled},
	}, changes.Stopped)

	rest, err := f.engine.UserSessions(ctx, "other", "alice")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, outside.ID, rest[0].ID)
}

func TestStopSessions(t *testing.T) {
	f := newFixture(t)

	session := waiting(t, f.search(t, "alice", false, attempt("chess", 3, "")))[0]
	waiting(t, f.search(t, "bob", false, attempt("chess", 3, "")))

	changes, err := f.engine.StopSessions(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, matchmaking.ReasonCanceled, changes.Stopped[session.ID].Reason)
}

func TestAddAliasRewritesWaitingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blitz := waiting(t, f.search(t, "alice", false, attempt("blitz", 2, "")))[0]
	f.reset()

	require.NoError(t, f.engine.AddAlias(ctx, tenant, "chess", "chess960", "blitz"))

	f.mu.Lock()
	require.Len(t, f.events, 1)
	ev := f.events[0]
	f.mu.Unlock()
	assert.Equal(t, matchmaking.SessionChanged, ev.Kind)
	require.Len(t, ev.Sessions, 1)
	assert.Equal(t, blitz.ID, ev.Sessions[0].ID)
	assert.Equal(t, "chess", ev.Sessions[0].GameID)

	// A search for any alias now matches the rewritten session.
	res := f.search(t, "bob", false, attempt("chess960", 2, ""))
	require.IsType(t, matchmaking.Matched{}, res)
	assert.Equal(t, blitz.ID, res.(matchmaking.Matched).Session.ID)
}

func TestAddAliasMergesDuplicateSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blitz := waiting(t, f.search(t, "alice", false, attempt("blitz", 3, "")))[0]
	f.clock.Add(30 * time.Second)
	chess := waiting(t, f.search(t, "alice", false, attempt("chess", 3, "")))[0]
	waiting(t, f.search(t, "bob", false, attempt("chess", 3, "")))
	f.reset()

	require.NoError(t, f.engine.AddAlias(ctx, tenant, "chess", "blitz"))

	mine, err := f.engine.UserSessions(ctx, tenant, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, blitz.ID, mine[0].ID, "the earliest session is kept")
	assert.Equal(t, "chess", mine[0].GameID)
	assert.True(t, mine[0].Participants["alice"].Equal(chess.Participants["alice"]), "the latest expiration is kept")

	// bob stays behind in the session alice left.
	left, err := f.engine.Sessions(ctx, chess.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, []string{"bob"}, users(left[0]))

	f.mu.Lock()
	require.Len(t, f.events, 1)
	ev := f.events[0]
	f.mu.Unlock()
	assert.Equal(t, matchmaking.SessionChanged, ev.Kind)
	assert.Len(t, ev.Sessions, 2)
	assert.Empty(t, ev.Stopped)
}

func TestAddAliasStopsEmptiedDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blitz := waiting(t, f.search(t, "alice", false, attempt("blitz", 2, "")))[0]
	chess := waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))[0]
	f.reset()

	require.NoError(t, f.engine.AddAlias(ctx, tenant, "chess", "blitz"))

	mine, err := f.engine.UserSessions(ctx, tenant, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, blitz.ID, mine[0].ID)
	assert.Equal(t, map[uuid.UUID]matchmaking.StopReason{chess.ID: matchmaking.ReasonCanceled}, f.stopped())
}

func TestDisplayNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))
	f.reset()

	require.NoError(t, f.engine.SetDisplayName(ctx, tenant, "chess", "  Chess  "))
	f.mu.Lock()
	require.Len(t, f.events, 1)
	assert.Equal(t, "Chess", f.events[0].Sessions[0].GameName)
	f.mu.Unlock()

	names, err := f.engine.DisplayNames(ctx, tenant, "chess", "go")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chess": "Chess", "go": "go"}, names)

	assert.ErrorIs(t, f.engine.SetDisplayName(ctx, tenant, "chess", " "), matchmaking.ErrInvalidName)
}

func TestListenerPanicIsContained(t *testing.T) {
	f := newFixture(t)
	unsubscribe := f.engine.Subscribe(func(matchmaking.Event) { panic("boom") })
	defer unsubscribe()

	waiting(t, f.search(t, "alice", false, attempt("chess", 2, "")))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.events, 1)
}

func TestConcurrentSearchesPairUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	kinds := make(map[string]int)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		user := fmt.Sprintf("user-%d", i)
		g.Go(func() error {
			res, err := f.engine.Search(ctx, tenant, user, f.engine.ExpireAfter(time.Minute), false, attempt("chess", 2, ""))
			if err != nil {
				return err
			}
			mu.Lock()
			kinds[res.Kind()]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, map[string]int{"waiting": 5, "matched": 5}, kinds)
	all, err := f.engine.AllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func users(s store.Session) []string {
	var out []string
	for u := range s.Participants {
		out = append(out, u)
	}
	return out
}

func ids(sessions []store.Session) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}
