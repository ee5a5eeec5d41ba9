package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/auth"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/storage"
)

var testStart = time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)

type harness struct {
	cm       *ConnectionManager
	d        *Dispatcher
	store    *storage.Store
	registry *round.Registry
	clock    *clockwork.FakeClock
	tokens   auth.Service

	group int64
	game  int64
	teams []int64
	codes []string
}

func newHarness(t *testing.T, limiter *IPRateLimiter) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)
	require.NoError(t, store.Migrate(ctx))

	h := &harness{
		store:  store,
		clock:  clockwork.NewFakeClockAt(testStart),
		codes: []string{"AAA111", "BBB222"},
	}
	h.tokens = auth.NewService("secret", "gaming-dashboard", h.clock)

	h.group, err = store.CreateGroup(ctx, "Finals")
	require.NoError(t, err)
	for _, name := range []string{"Red", "Blue"} {
		id, err := store.CreateTeam(ctx, name, h.group)
		require.NoError(t, err)
		h.teams = append(h.teams, id)
	}
	h.game, err = store.CreateGame(ctx, models.GameConfig{
		GroupID:          h.group,
		Name:             "Buzzer",
		MaxPoints:        50,
		CountdownSeconds: 3,
		Status:           models.GameStatusRunning,
	}, nil)
	require.NoError(t, err)
	for i, teamID := range h.teams {
		require.NoError(t, store.SaveAccessCode(ctx, models.AccessCode{
			GameID:   h.game,
			TeamID:   teamID,
			Code:     h.codes[i],
			Status:   models.CodeStatusAvailable,
			Selected: true,
		}))
	}

	h.cm = NewConnectionManager(DefaultConnectionConfig(), nil)
	h.registry = round.NewRegistry(round.Deps{
		Clock:       h.clock,
		Store:       store,
		Writer:      round.NewWriter(store, 1, 256, nil),
		Broadcaster: h.cm,
	})
	h.d = NewDispatcher(h.cm, h.registry, h.tokens, limiter, h.clock)

	runCtx, cancel := context.WithCancel(ctx)
	go h.cm.Start(runCtx)
	t.Cleanup(func() {
		h.registry.Shutdown()
		cancel()
	})
	return h
}

func (h *harness) connect(t *testing.T, id string) *Connection {
	t.Helper()
	c := &Connection{
		ID:          id,
		RemoteAddr:  "10.0.0.1:5000",
		Send:        make(chan []byte, 64),
		Manager:     h.cm,
		ConnectedAt: h.clock.Now(),
	}
	h.cm.registerConnection(c)
	return c
}

func (h *harness) send(t *testing.T, c *Connection, msgType string, data any) {
	t.Helper()
	msg := InboundMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		msg.Data = raw
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	h.d.HandleMessage(c, raw)
}

func (h *harness) moderatorToken(t *testing.T) string {
	t.Helper()
	token, err := h.tokens.GenerateToken("eva", models.RoleEvaluator, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) joinModerator(t *testing.T, id string) *Connection {
	t.Helper()
	c := h.connect(t, id)
	h.send(t, c, MsgModeratorJoin, moderatorJoinData{GameID: h.game, Token: h.moderatorToken(t)})
	ev := waitFor(t, c, events.TypeJoined)
	var joined events.JoinedPayload
	require.NoError(t, ev.Decode(&joined))
	require.Equal(t, models.RoleEvaluator, joined.Role)
	return c
}

func (h *harness) joinParticipant(t *testing.T, id string, team int) *Connection {
	t.Helper()
	c := h.connect(t, id)
	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[team]})
	ev := waitFor(t, c, events.TypeJoined)
	var joined events.JoinedPayload
	require.NoError(t, ev.Decode(&joined))
	require.Equal(t, h.teams[team], joined.TeamID)
	return c
}

// waitFor reads events from c until one of type typ arrives.
func waitFor(t *testing.T, c *Connection, typ events.Type) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Send:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			var ev events.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			if ev.Type == typ {
				return &ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func errorOf(t *testing.T, c *Connection) events.ErrorPayload {
	t.Helper()
	var payload events.ErrorPayload
	require.NoError(t, waitFor(t, c, events.TypeError).Decode(&payload))
	return payload
}

func TestRoundOverWebsocketMessages(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.joinModerator(t, "mod")
	red := h.joinParticipant(t, "red", 0)

	var connected events.ParticipantPayload
	require.NoError(t, waitFor(t, mod, events.TypeParticipantConnected).Decode(&connected))
	assert.Equal(t, h.teams[0], connected.TeamID)

	h.send(t, mod, MsgRoundStart, nil)
	var countdown events.CountdownAnnouncedPayload
	require.NoError(t, waitFor(t, red, events.TypeCountdownAnnounced).Decode(&countdown))
	assert.Equal(t, 3, countdown.CountdownSeconds)
	assert.ElementsMatch(t, h.teams, countdown.Selected)

	h.clock.Advance(3 * time.Second)
	waitFor(t, red, events.TypeGoAnnounced)

	h.clock.Advance(450 * time.Millisecond)
	h.send(t, red, MsgPress, nil)

	var ack events.PressAcknowledgedPayload
	require.NoError(t, waitFor(t, red, events.TypePressAcknowledged).Decode(&ack))
	assert.Equal(t, int64(450), ack.ReactionTimeMs)
	assert.Equal(t, 46, ack.Points)

	var pressed events.PressBroadcastPayload
	require.NoError(t, waitFor(t, mod, events.TypePressBroadcast).Decode(&pressed))
	assert.Equal(t, h.teams[0], pressed.Result.TeamID)

	// Only Red is connected, so its press completes the round.
	var results events.RoundResultsPayload
	require.NoError(t, waitFor(t, mod, events.TypeRoundResults).Decode(&results))
	assert.Equal(t, round.EndReasonAllPressed, results.Reason)

	h.send(t, mod, MsgRoundConfirm, nil)
	var confirmed events.RoundConfirmedPayload
	require.NoError(t, waitFor(t, red, events.TypeRoundConfirmed).Decode(&confirmed))
	assert.Equal(t, 5, confirmed.Totals[h.teams[0]])

	standings, err := h.store.GroupLeaderboard(context.Background(), h.group)
	require.NoError(t, err)
	require.NotEmpty(t, standings)
	assert.Equal(t, h.teams[0], standings[0].TeamID)
	assert.Equal(t, 5, standings[0].Total)
}

func TestParticipantCannotModerate(t *testing.T) {
	h := newHarness(t, nil)
	red := h.joinParticipant(t, "red", 0)

	for _, msgType := range []string{MsgRoundStart, MsgRoundConfirm, MsgCodeReset, MsgSelectionSet} {
		h.send(t, red, msgType, teamData{TeamID: h.teams[1]})
		e := errorOf(t, red)
		assert.Equal(t, "authorization", e.Kind, msgType)
		assert.Equal(t, msgType, e.Request)
	}

	s, ok := h.registry.Lookup(h.game)
	require.True(t, ok)
	assert.Equal(t, models.PhaseIdle, s.Snapshot().Phase)
}

func TestModeratorCannotPress(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.joinModerator(t, "mod")

	h.send(t, mod, MsgPress, nil)
	assert.Equal(t, "only participants can press", errorOf(t, mod).Reason)
}

func TestModeratorJoinRequiresValidToken(t *testing.T) {
	h := newHarness(t, nil)

	c := h.connect(t, "c1")
	h.send(t, c, MsgModeratorJoin, moderatorJoinData{GameID: h.game, Token: "not-a-token"})
	e := errorOf(t, c)
	assert.Equal(t, "authorization", e.Kind)
	assert.Equal(t, "invalid token", e.Reason)
	assert.False(t, c.Identity().Joined())

	token, err := h.tokens.GenerateToken("sam", models.RoleSpectator, time.Hour)
	require.NoError(t, err)
	h.send(t, c, MsgModeratorJoin, moderatorJoinData{GameID: h.game, Token: token})
	assert.Equal(t, "moderator role required", errorOf(t, c).Reason)
	assert.False(t, c.Identity().Joined())
}

func TestRejectedJoinLeavesConnectionUnbound(t *testing.T) {
	h := newHarness(t, nil)

	c := h.connect(t, "c1")
	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: "NOPE00"})
	e := errorOf(t, c)
	assert.Equal(t, "not_found", e.Kind)
	assert.Equal(t, "unknown code", e.Reason)
	assert.False(t, c.Identity().Joined())

	// The same connection can still join with a valid code.
	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[1]})
	waitFor(t, c, events.TypeJoined)
	assert.Equal(t, h.teams[1], c.Identity().TeamID)

	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[0]})
	assert.Equal(t, "connection already joined a game", errorOf(t, c).Reason)
}

func TestCodeInUseByAnotherConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.joinParticipant(t, "first", 0)

	c := h.connect(t, "second")
	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[0]})
	e := errorOf(t, c)
	assert.Equal(t, "conflict", e.Kind)
	assert.Equal(t, "code already in use", e.Reason)
}

func TestJoinAttemptsAreRateLimited(t *testing.T) {
	h := newHarness(t, NewIPRateLimiter(rate.Limit(0), 2, nil))

	c := h.connect(t, "c1")
	for i := 0; i < 2; i++ {
		h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: "WRONG" + string(rune('0'+i))})
		assert.Equal(t, "not_found", errorOf(t, c).Kind)
	}
	h.send(t, c, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[0]})
	e := errorOf(t, c)
	assert.Equal(t, "exhausted", e.Kind)
	assert.Equal(t, "too many join attempts", e.Reason)
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t, "c1")

	h.d.HandleMessage(c, []byte("{not json"))
	assert.Equal(t, "malformed message", errorOf(t, c).Reason)

	h.send(t, c, "dance", nil)
	e := errorOf(t, c)
	assert.Equal(t, "unknown message type", e.Reason)
	assert.Equal(t, "dance", e.Request)

	h.d.HandleMessage(c, []byte(`{"type":"participant-join","data":{"gameId":"seven"}}`))
	assert.Equal(t, "malformed message data", errorOf(t, c).Reason)

	h.send(t, c, MsgParticipantJoin, participantJoinData{Code: h.codes[0]})
	assert.Equal(t, "gameId is required", errorOf(t, c).Reason)

	h.send(t, c, MsgPress, nil)
	assert.Equal(t, "join a game first", errorOf(t, c).Reason)
}

func TestUnknownGame(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t, "c1")

	h.send(t, c, MsgSpectatorJoin, spectatorJoinData{GameID: 999})
	assert.Equal(t, "not_found", errorOf(t, c).Kind)
}

func TestGameStatusChangesAreSeenByJoins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetGameStatus(ctx, h.game, models.GameStatusComing))

	// Loading the game early caches it as coming.
	watcher := h.connect(t, "watcher")
	h.send(t, watcher, MsgSpectatorJoin, spectatorJoinData{GameID: h.game})
	waitFor(t, watcher, events.TypeJoined)

	early := h.connect(t, "early")
	h.send(t, early, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[0]})
	assert.Equal(t, "game is not running", errorOf(t, early).Reason)

	require.NoError(t, h.store.SetGameStatus(ctx, h.game, models.GameStatusRunning))
	h.joinParticipant(t, "red", 0)

	mod := h.joinModerator(t, "mod")
	require.NoError(t, h.store.SetGameStatus(ctx, h.game, models.GameStatusPast))

	h.send(t, mod, MsgRoundStart, nil)
	payload := errorOf(t, mod)
	assert.Equal(t, "game is not running", payload.Reason)
	assert.Equal(t, MsgRoundStart, payload.Request)

	late := h.connect(t, "late")
	h.send(t, late, MsgParticipantJoin, participantJoinData{GameID: h.game, Code: h.codes[1]})
	assert.Equal(t, "game is not running", errorOf(t, late).Reason)
}

func TestTeamAddedAfterLoadCanGetACode(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.joinModerator(t, "mod")

	green, err := h.store.CreateTeam(context.Background(), "Green", h.group)
	require.NoError(t, err)

	h.send(t, mod, MsgCodeIssue, teamData{TeamID: green})
	var updated events.CodesUpdatedPayload
	require.NoError(t, waitFor(t, mod, events.TypeCodesUpdated).Decode(&updated))

	var teams []int64
	for _, c := range updated.Codes {
		teams = append(teams, c.TeamID)
	}
	assert.Contains(t, teams, green)
}

func TestClosingConnectionReleasesCode(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.joinModerator(t, "mod")
	red := h.joinParticipant(t, "red", 0)
	waitFor(t, mod, events.TypeParticipantConnected)

	h.cm.unregisterConnection(red)

	var gone events.ParticipantPayload
	require.NoError(t, waitFor(t, mod, events.TypeParticipantDisconnected).Decode(&gone))
	assert.Equal(t, h.teams[0], gone.TeamID)

	// Outside a live round the team may come back.
	h.joinParticipant(t, "red-again", 0)
}

func TestCodeResetKicksParticipant(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.joinModerator(t, "mod")
	red := h.joinParticipant(t, "red", 0)

	h.send(t, mod, MsgCodeReset, teamData{TeamID: h.teams[0]})

	var kicked events.KickedPayload
	require.NoError(t, waitFor(t, red, events.TypeParticipantKicked).Decode(&kicked))
	assert.Equal(t, h.teams[0], kicked.TeamID)

	waitClosed(t, red)

	var codes events.CodesUpdatedPayload
	require.NoError(t, waitFor(t, mod, events.TypeCodesUpdated).Decode(&codes))
	require.Len(t, codes.Codes, 2)
	assert.NotEqual(t, h.codes[0], codes.Codes[0].Code)
	assert.Equal(t, models.CodeStatusAvailable, codes.Codes[0].Status)
}

// waitClosed drains c until the manager closes its send channel.
func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection was not closed")
		}
	}
}

func TestSpectatorDoesNotReceiveModeratorEvents(t *testing.T) {
	h := newHarness(t, nil)
	watcher := h.connect(t, "watcher")
	h.send(t, watcher, MsgSpectatorJoin, spectatorJoinData{GameID: h.game})
	var joined events.JoinedPayload
	require.NoError(t, waitFor(t, watcher, events.TypeJoined).Decode(&joined))
	assert.Empty(t, joined.Codes)
	require.NotNil(t, joined.Game)
	assert.Equal(t, "Buzzer", joined.Game.Name)

	mod := h.joinModerator(t, "mod")
	h.send(t, mod, MsgCodeReset, teamData{TeamID: h.teams[1]})
	waitFor(t, mod, events.TypeCodesUpdated)

	h.send(t, mod, MsgRoundStart, roundStartData{CountdownSeconds: intPtr(0)})

	// Broadcasts are delivered in order, so the codes update would show up
	// before the countdown.
	var seen []events.Type
	deadline := time.After(2 * time.Second)
	for !containsType(seen, events.TypeCountdownAnnounced) {
		select {
		case data := <-watcher.Send:
			var ev events.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatal("spectator never saw the countdown")
		}
	}
	assert.NotContains(t, seen, events.TypeCodesUpdated)
}

func containsType(types []events.Type, typ events.Type) bool {
	for _, got := range types {
		if got == typ {
			return true
		}
	}
	return false
}

func TestTimeSync(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t, "c1")

	h.send(t, c, MsgTimeSync, timeSyncData{ClientTime: 1234})
	var payload events.TimeSyncPayload
	require.NoError(t, waitFor(t, c, events.TypeTimeSync).Decode(&payload))
	assert.Equal(t, int64(1234), payload.ClientTime)
	assert.Equal(t, testStart.UnixMilli(), payload.ServerTime)
}

func intPtr(v int) *int { return &v }
