// Package storage persists games, groups, access codes, scores and the round
// event log. Queries are written once with ? placeholders and rebound for the
// active driver.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/dbconfig"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/leaderboard"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/sqlutil"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = apperr.NotFound("not found")

// Store is the sqlx-backed implementation of the round store.
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg dbconfig.Config) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Driver == dbconfig.DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	log.Info().Str("database", cfg.Redacted()).Msg("connected to database")
	return New(db), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// queries runs statements against either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
}

func newQueries(ext sqlx.ExtContext) *queries { return &queries{ext: ext} }

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (s *Store) q() *queries { return newQueries(s.db) }

// GameConfig returns a game's configuration.
func (s *Store) GameConfig(ctx context.Context, gameID int64) (*models.GameConfig, error) {
	var g models.GameConfig
	err := s.q().get(ctx, &g, `
		SELECT id, group_id, name, minimum_point, maximum_point, timing_mode, countdown_seconds, status
		FROM games WHERE id = ?`, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game %d: %w", gameID, err)
	}
	return &g, nil
}

// GroupMembers returns the team ids of a group.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	return s.q().groupMembers(ctx, groupID)
}

func (q *queries) groupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	if err := q.selectAll(ctx, &ids, `SELECT team_id FROM group_teams WHERE group_id = ? ORDER BY team_id`, groupID); err != nil {
		return nil, fmt.Errorf("failed to list members of group %d: %w", groupID, err)
	}
	return ids, nil
}

// AccessCodes returns every access code of a game.
func (s *Store) AccessCodes(ctx context.Context, gameID int64) ([]models.AccessCode, error) {
	var codes []models.AccessCode
	err := s.q().selectAll(ctx, &codes, `
		SELECT game_id, team_id, code, status, connection_id, offline_allowed, selected,
		       connected_at, pressed_at, reaction_time_ms
		FROM access_codes WHERE game_id = ? ORDER BY team_id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access codes of game %d: %w", gameID, err)
	}
	return codes, nil
}

// SaveAccessCode inserts or replaces the code row of (game, team).
func (s *Store) SaveAccessCode(ctx context.Context, c models.AccessCode) error {
	_, err := s.q().exec(ctx, `
		INSERT INTO access_codes (game_id, team_id, code, status, connection_id, offline_allowed,
		                          selected, connected_at, pressed_at, reaction_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (game_id, team_id) DO UPDATE SET
		  code = excluded.code,
		  status = excluded.status,
		  connection_id = excluded.connection_id,
		  offline_allowed = excluded.offline_allowed,
		  selected = excluded.selected,
		  connected_at = excluded.connected_at,
		  pressed_at = excluded.pressed_at,
		  reaction_time_ms = excluded.reaction_time_ms`,
		c.GameID, c.TeamID, c.Code, c.Status, c.ConnectionID, c.OfflineAllowed,
		c.Selected, c.ConnectedAt, c.PressedAt, c.ReactionTimeMs)
	if err != nil {
		return fmt.Errorf("failed to save access code of team %d: %w", c.TeamID, err)
	}
	return nil
}

// AppendEventLog records an entry in the round event log.
func (s *Store) AppendEventLog(ctx context.Context, e models.EventLogEntry) error {
	details := pqtype.NullRawMessage{RawMessage: e.Details, Valid: len(e.Details) > 0}
	_, err := s.q().exec(ctx, `
		INSERT INTO round_event_log (game_id, description, actor, actor_role, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.GameID, e.Description, e.Actor, string(e.ActorRole), details, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}

// EventLog returns the most recent entries of a game, newest first.
func (s *Store) EventLog(ctx context.Context, gameID int64, limit int) ([]models.EventLogEntry, error) {
	var rows []struct {
		GameID      int64                 `db:"game_id"`
		Description string                `db:"description"`
		Actor       string                `db:"actor"`
		ActorRole   string                `db:"actor_role"`
		Details     pqtype.NullRawMessage `db:"details"`
		CreatedAt   time.Time             `db:"created_at"`
	}
	err := s.q().selectAll(ctx, &rows, `
		SELECT game_id, description, actor, actor_role, details, created_at
		FROM round_event_log WHERE game_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log of game %d: %w", gameID, err)
	}

	out := make([]models.EventLogEntry, len(rows))
	for i, r := range rows {
		out[i] = models.EventLogEntry{
			GameID:      r.GameID,
			Description: r.Description,
			Actor:       r.Actor,
			ActorRole:   models.Role(r.ActorRole),
			CreatedAt:   r.CreatedAt,
		}
		if r.Details.Valid {
			out[i].Details = r.Details.RawMessage
		}
	}
	return out, nil
}

// ConfirmScores upserts game scores and recomputes the group's totals in one
// transaction. It returns the new totals.
func (s *Store) ConfirmScores(ctx context.Context, groupID int64, scores []models.GameScore) (map[int64]int, error) {
	var totals map[int64]int
	err := sqlutil.Run(ctx, s.db, newQueries, func(q *queries) error {
		for _, sc := range scores {
			if err := q.upsertScore(ctx, sc); err != nil {
				return err
			}
		}
		var err error
		totals, err = q.recomputeGroupTotals(ctx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// UpsertScore writes a single game score.
func (s *Store) UpsertScore(ctx context.Context, sc models.GameScore) error {
	return s.q().upsertScore(ctx, sc)
}

func (q *queries) upsertScore(ctx context.Context, sc models.GameScore) error {
	_, err := q.exec(ctx, `
		INSERT INTO game_scores (game_id, team_id, score) VALUES (?, ?, ?)
		ON CONFLICT (game_id, team_id) DO UPDATE SET score = excluded.score`,
		sc.GameID, sc.TeamID, sc.Score)
	if err != nil {
		return fmt.Errorf("failed to upsert score of team %d in game %d: %w", sc.TeamID, sc.GameID, err)
	}
	return nil
}

// RecomputeGroupTotals rebuilds every member's total from the group's games.
func (s *Store) RecomputeGroupTotals(ctx context.Context, groupID int64) (map[int64]int, error) {
	var totals map[int64]int
	err := sqlutil.Run(ctx, s.db, newQueries, func(q *queries) error {
		var err error
		totals, err = q.recomputeGroupTotals(ctx, groupID)
		return err
	})
	return totals, err
}

func (q *queries) recomputeGroupTotals(ctx context.Context, groupID int64) (map[int64]int, error) {
	members, err := q.groupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var gameIDs []int64
	if err := q.selectAll(ctx, &gameIDs, `SELECT id FROM games WHERE group_id = ? ORDER BY id`, groupID); err != nil {
		return nil, fmt.Errorf("failed to list games of group %d: %w", groupID, err)
	}

	var scores []models.GameScore
	if err := q.selectAll(ctx, &scores, `
		SELECT s.game_id, s.team_id, s.score FROM game_scores s
		JOIN games g ON g.id = s.game_id WHERE g.group_id = ?`, groupID); err != nil {
		return nil, fmt.Errorf("failed to list scores of group %d: %w", groupID, err)
	}

	var rules []models.ScoringRule
	if err := q.selectAll(ctx, &rules, `
		SELECT r.game_id, r.place, r.place_name, r.points FROM game_scoring r
		JOIN games g ON g.id = r.game_id WHERE g.group_id = ?`, groupID); err != nil {
		return nil, fmt.Errorf("failed to list scoring rules of group %d: %w", groupID, err)
	}

	byGame := make(map[int64]*leaderboard.Game, len(gameIDs))
	games := make([]leaderboard.Game, len(gameIDs))
	for i, id := range gameIDs {
		games[i] = leaderboard.Game{ID: id}
		byGame[id] = &games[i]
	}
	for _, sc := range scores {
		if g, ok := byGame[sc.GameID]; ok {
			g.Scores = append(g.Scores, sc)
		}
	}
	for _, r := range rules {
		if g, ok := byGame[r.GameID]; ok {
			g.Rules = append(g.Rules, r)
		}
	}

	totals := leaderboard.Aggregate(members, games)
	for _, teamID := range members {
		if _, err := q.exec(ctx, `UPDATE group_teams SET total_score = ? WHERE group_id = ? AND team_id = ?`,
			totals[teamID], groupID, teamID); err != nil {
			return nil, fmt.Errorf("failed to update total of team %d: %w", teamID, err)
		}
	}

	log.Debug().Int64("group_id", groupID).Int("games", len(games)).Int("members", len(members)).Msg("group totals recomputed")
	return totals, nil
}

// GroupLeaderboard returns the group's standings, best first.
func (s *Store) GroupLeaderboard(ctx context.Context, groupID int64) ([]models.Standing, error) {
	var exists int
	if err := s.q().get(ctx, &exists, `SELECT COUNT(*) FROM team_groups WHERE id = ?`, groupID); err != nil {
		return nil, fmt.Errorf("failed to look up group %d: %w", groupID, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	standings := []models.Standing{}
	err := s.q().selectAll(ctx, &standings, `
		SELECT gt.team_id, t.name AS team_name, gt.total_score
		FROM group_teams gt JOIN teams t ON t.id = gt.team_id
		WHERE gt.group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard of group %d: %w", groupID, err)
	}
	leaderboard.Rank(standings)
	return standings, nil
}
