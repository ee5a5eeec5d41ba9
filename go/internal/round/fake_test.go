package round

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/accesscode"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// FakeStore is a hand-written Store whose behaviour can be overridden per test.
type FakeStore struct {
	mu sync.Mutex

	Game    *models.GameConfig
	Members []int64
	Codes   []models.AccessCode

	GameConfigFunc    func(ctx context.Context, gameID int64) (*models.GameConfig, error)
	ConfirmScoresFunc func(ctx context.Context, groupID int64, scores []models.GameScore) (map[int64]int, error)

	gameLoads     int
	savedCodes    []models.AccessCode
	logEntries    []models.EventLogEntry
	confirmCalls  [][]models.GameScore
	confirmTotals map[int64]int
}

func (f *FakeStore) GameConfig(ctx context.Context, gameID int64) (*models.GameConfig, error) {
	f.mu.Lock()
	f.gameLoads++
	fn, game := f.GameConfigFunc, f.Game
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, gameID)
	}
	if game == nil || game.ID != gameID {
		return nil, apperr.NotFound("not found")
	}
	g := *game
	return &g, nil
}

func (f *FakeStore) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.Members...), nil
}

func (f *FakeStore) AccessCodes(ctx context.Context, gameID int64) ([]models.AccessCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AccessCode(nil), f.Codes...), nil
}

func (f *FakeStore) SaveAccessCode(ctx context.Context, code models.AccessCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedCodes = append(f.savedCodes, code)
	return nil
}

func (f *FakeStore) AppendEventLog(ctx context.Context, entry models.EventLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logEntries = append(f.logEntries, entry)
	return nil
}

func (f *FakeStore) ConfirmScores(ctx context.Context, groupID int64, scores []models.GameScore) (map[int64]int, error) {
	f.mu.Lock()
	f.confirmCalls = append(f.confirmCalls, append([]models.GameScore(nil), scores...))
	fn := f.ConfirmScoresFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, groupID, scores)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmTotals == nil {
		f.confirmTotals = make(map[int64]int)
	}
	for _, s := range scores {
		f.confirmTotals[s.TeamID] = s.Score
	}
	totals := make(map[int64]int, len(f.confirmTotals))
	for k, v := range f.confirmTotals {
		totals[k] = v
	}
	return totals, nil
}

func (f *FakeStore) ConfirmCalls() [][]models.GameScore {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.GameScore(nil), f.confirmCalls...)
}

func (f *FakeStore) LogDescriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.logEntries))
	for _, e := range f.logEntries {
		out = append(out, e.Description)
	}
	return out
}

func (f *FakeStore) SavedCodes() []models.AccessCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AccessCode(nil), f.savedCodes...)
}

type delivery struct {
	audience Audience
	connID   string
	kick     bool
	ev       *events.Event
}

// FakeBroadcaster records every event it is given.
type FakeBroadcaster struct {
	mu   sync.Mutex
	sent []delivery
}

func (f *FakeBroadcaster) Broadcast(audience Audience, ev *events.Event) {
	f.record(delivery{audience: audience, ev: ev})
}

func (f *FakeBroadcaster) SendTo(connID string, ev *events.Event) {
	f.record(delivery{connID: connID, ev: ev})
}

func (f *FakeBroadcaster) Kick(connID string, ev *events.Event) {
	f.record(delivery{connID: connID, kick: true, ev: ev})
}

func (f *FakeBroadcaster) record(d delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
}

func (f *FakeBroadcaster) Count(t events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.sent {
		if d.ev.Type == t {
			n++
		}
	}
	return n
}

func (f *FakeBroadcaster) Last(t events.Type) (delivery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ev.Type == t {
			return f.sent[i], true
		}
	}
	return delivery{}, false
}

var (
	moderator   = Actor{Name: "eva", Role: models.RoleEvaluator}
	participant = Actor{Name: "team", Role: models.RoleParticipant}
)

type harness struct {
	session *Session
	store   *FakeStore
	out     *FakeBroadcaster
	clock   *clockwork.FakeClock
	started time.Time
}

func testGame() models.GameConfig {
	return models.GameConfig{
		ID:               1,
		GroupID:          10,
		Name:             "Buzzer",
		MaxPoints:        50,
		TimingMode:       models.TimingModeServer,
		CountdownSeconds: 3,
		Status:           models.GameStatusRunning,
	}
}

func testCodes() []models.AccessCode {
	return []models.AccessCode{
		{GameID: 1, TeamID: 1, Code: "111", Status: models.CodeStatusAvailable, Selected: true},
		{GameID: 1, TeamID: 2, Code: "222", Status: models.CodeStatusAvailable, Selected: true},
		{GameID: 1, TeamID: 3, Code: "333", Status: models.CodeStatusAvailable},
	}
}

func newHarness(t *testing.T, game models.GameConfig, codes []models.AccessCode) *harness {
	t.Helper()

	start := time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	store := &FakeStore{Game: &game, Members: []int64{1, 2, 3}, Codes: codes}
	out := &FakeBroadcaster{}
	gen := 0
	codeGen := accesscode.Generator(func() string {
		gen++
		return []string{"901", "902", "903", "904"}[gen%4]
	})

	s := NewSession(game, store.Members, codes, Deps{
		Clock:         clock,
		Store:         store,
		Writer:        NewWriter(store, 1, 1024, nil),
		Broadcaster:   out,
		CodeGenerator: codeGen,
	})
	return &harness{session: s, store: store, out: out, clock: clock, started: start}
}

func (h *harness) join(t *testing.T, code, connID string) {
	t.Helper()
	_, err := h.session.Join(context.Background(), code, connID)
	require.NoError(t, err)
}

func (h *harness) waitPhase(t *testing.T, phase models.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Phase == phase
	}, time.Second, 2*time.Millisecond, "phase never became %s", phase)
}

// goLive starts a round with the configured countdown and waits for the go signal.
func (h *harness) goLive(t *testing.T) {
	t.Helper()
	_, err := h.session.Start(context.Background(), moderator, nil)
	require.NoError(t, err)
	h.clock.Advance(time.Duration(h.session.Game().CountdownSeconds) * time.Second)
	h.waitPhase(t, models.PhaseLive)
}
