package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fixture struct {
	group int64
	teams []int64
	game  int64
}

func seed(t *testing.T, s *Store, teams int) fixture {
	t.Helper()
	ctx := context.Background()
	faker := gofakeit.New(7)

	group, err := s.CreateGroup(ctx, "Group "+faker.Color())
	require.NoError(t, err)

	f := fixture{group: group}
	for i := 0; i < teams; i++ {
		id, err := s.CreateTeam(ctx, faker.Animal()+" "+faker.LetterN(4), group)
		require.NoError(t, err)
		f.teams = append(f.teams, id)
	}

	f.game, err = s.CreateGame(ctx, models.GameConfig{
		GroupID:          group,
		Name:             "Buzzer",
		MaxPoints:        50,
		CountdownSeconds: 3,
		Status:           models.GameStatusRunning,
	}, nil)
	require.NoError(t, err)
	return f
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestGameConfig(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 2)

	g, err := s.GameConfig(context.Background(), f.game)
	require.NoError(t, err)

	want := &models.GameConfig{
		ID:               f.game,
		GroupID:          f.group,
		Name:             "Buzzer",
		MaxPoints:        50,
		TimingMode:       models.TimingModeServer,
		CountdownSeconds: 3,
		Status:           models.GameStatusRunning,
	}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("game mismatch (-want +got):\n%s", diff)
	}

	_, err = s.GameConfig(context.Background(), 999)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateGameDefaultsScoring(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 1)

	rules, err := s.ScoringRules(context.Background(), f.game)
	require.NoError(t, err)
	assert.Equal(t, []models.ScoringRule{
		{GameID: f.game, Place: models.OtherPlace, PlaceName: "Other", Points: 0},
		{GameID: f.game, Place: 1, PlaceName: "1st", Points: 5},
	}, rules)
}

func TestGroupMembers(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 3)

	members, err := s.GroupMembers(context.Background(), f.group)
	require.NoError(t, err)
	assert.Equal(t, f.teams, members)
}

func TestSaveAccessCodeUpserts(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 2)
	ctx := context.Background()

	code := models.AccessCode{GameID: f.game, TeamID: f.teams[0], Code: "042", Status: models.CodeStatusAvailable, Selected: true}
	require.NoError(t, s.SaveAccessCode(ctx, code))

	connected := time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)
	rt := int64(450)
	code.Status = models.CodeStatusActive
	code.ConnectionID = "conn-1"
	code.ConnectedAt = &connected
	code.PressedAt = &connected
	code.ReactionTimeMs = &rt
	require.NoError(t, s.SaveAccessCode(ctx, code))

	codes, err := s.AccessCodes(ctx, f.game)
	require.NoError(t, err)
	require.Len(t, codes, 1)

	got := codes[0]
	assert.Equal(t, models.CodeStatusActive, got.Status)
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.True(t, got.Selected)
	require.NotNil(t, got.ReactionTimeMs)
	assert.Equal(t, int64(450), *got.ReactionTimeMs)
	require.NotNil(t, got.ConnectedAt)
	assert.True(t, connected.Equal(*got.ConnectedAt))

	code.ClearReaction()
	require.NoError(t, s.SaveAccessCode(ctx, code))
	codes, err = s.AccessCodes(ctx, f.game)
	require.NoError(t, err)
	assert.Nil(t, codes[0].ReactionTimeMs)
	assert.Nil(t, codes[0].PressedAt)
}

func TestAccessCodeUniquePerGame(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 2)
	ctx := context.Background()

	require.NoError(t, s.SaveAccessCode(ctx, models.AccessCode{GameID: f.game, TeamID: f.teams[0], Code: "111", Status: models.CodeStatusAvailable}))
	err := s.SaveAccessCode(ctx, models.AccessCode{GameID: f.game, TeamID: f.teams[1], Code: "111", Status: models.CodeStatusAvailable})
	assert.Error(t, err)
}

func TestAppendEventLog(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 1)
	ctx := context.Background()

	at := time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEventLog(ctx, models.EventLogEntry{
		GameID:      f.game,
		Description: "round started",
		Actor:       "eva",
		ActorRole:   models.RoleEvaluator,
		Details:     json.RawMessage(`{"generation":1}`),
		CreatedAt:   at,
	}))
	require.NoError(t, s.AppendEventLog(ctx, models.EventLogEntry{
		GameID:      f.game,
		Description: "round completed",
		CreatedAt:   at.Add(time.Second),
	}))

	entries, err := s.EventLog(ctx, f.game, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "round completed", entries[0].Description)
	assert.Nil(t, entries[0].Details)
	assert.Equal(t, models.RoleEvaluator, entries[1].ActorRole)
	assert.JSONEq(t, `{"generation":1}`, string(entries[1].Details))
}

func TestConfirmScoresRecomputesTotals(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 3)
	ctx := context.Background()

	totals, err := s.ConfirmScores(ctx, f.group, []models.GameScore{
		{GameID: f.game, TeamID: f.teams[0], Score: 46},
		{GameID: f.game, TeamID: f.teams[1], Score: 46},
		{GameID: f.game, TeamID: f.teams[2], Score: 12},
	})
	require.NoError(t, err)

	// Two teams tie for first.
	assert.Equal(t, map[int64]int{f.teams[0]: 5, f.teams[1]: 5, f.teams[2]: 0}, totals)

	board, err := s.GroupLeaderboard(ctx, f.group)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, 5, board[0].Total)
	assert.Equal(t, 5, board[1].Total)
	assert.LessOrEqual(t, board[0].TeamName, board[1].TeamName)
	assert.Equal(t, f.teams[2], board[2].TeamID)
}

func TestConfirmScoresRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 2)
	ctx := context.Background()

	_, err := s.ConfirmScores(ctx, f.group, []models.GameScore{
		{GameID: f.game, TeamID: f.teams[0], Score: 30},
		{GameID: f.game, TeamID: 999, Score: 40}, // violates the team foreign key
	})
	require.Error(t, err)

	var n int
	require.NoError(t, s.DB().GetContext(ctx, &n, `SELECT COUNT(*) FROM game_scores`))
	assert.Zero(t, n)
}

func TestRecomputeIgnoresNonMembers(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 2)
	ctx := context.Background()

	outsider, err := s.CreateTeam(ctx, "Outsider")
	require.NoError(t, err)

	require.NoError(t, s.UpsertScore(ctx, models.GameScore{GameID: f.game, TeamID: outsider, Score: 50}))
	require.NoError(t, s.UpsertScore(ctx, models.GameScore{GameID: f.game, TeamID: f.teams[1], Score: 10}))

	totals, err := s.RecomputeGroupTotals(ctx, f.group)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{f.teams[0]: 0, f.teams[1]: 5}, totals)
}

func TestGroupLeaderboardUnknownGroup(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GroupLeaderboard(context.Background(), 12)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetGameStatus(t *testing.T) {
	s := newTestStore(t)
	f := seed(t, s, 1)
	ctx := context.Background()

	require.NoError(t, s.SetGameStatus(ctx, f.game, models.GameStatusPast))
	g, err := s.GameConfig(ctx, f.game)
	require.NoError(t, err)
	assert.Equal(t, models.GameStatusPast, g.Status)

	assert.ErrorIs(t, s.SetGameStatus(ctx, 404, models.GameStatusPast), ErrNotFound)
}
