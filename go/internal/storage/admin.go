package storage

import (
	"context"
	"fmt"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/sqlutil"
)

// CreateGroup inserts a team group and returns its id.
func (s *Store) CreateGroup(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := s.q().get(ctx, &id, `INSERT INTO team_groups (name) VALUES (?) RETURNING id`, name); err != nil {
		return 0, fmt.Errorf("failed to create group: %w", err)
	}
	return id, nil
}

// CreateTeam inserts a team and adds it to the given groups.
func (s *Store) CreateTeam(ctx context.Context, name string, groupIDs ...int64) (int64, error) {
	var id int64
	err := sqlutil.Run(ctx, s.db, newQueries, func(q *queries) error {
		if err := q.get(ctx, &id, `INSERT INTO teams (name) VALUES (?) RETURNING id`, name); err != nil {
			return fmt.Errorf("failed to create team: %w", err)
		}
		for _, g := range groupIDs {
			if _, err := q.exec(ctx, `INSERT INTO group_teams (group_id, team_id) VALUES (?, ?)`, g, id); err != nil {
				return fmt.Errorf("failed to add team to group %d: %w", g, err)
			}
		}
		return nil
	})
	return id, err
}

// CreateGame inserts a game. Games created without a scoring table get the
// default one.
func (s *Store) CreateGame(ctx context.Context, g models.GameConfig, rules []models.ScoringRule) (int64, error) {
	if g.TimingMode == "" {
		g.TimingMode = models.TimingModeServer
	}
	if g.Status == "" {
		g.Status = models.GameStatusComing
	}

	var id int64
	err := sqlutil.Run(ctx, s.db, newQueries, func(q *queries) error {
		err := q.get(ctx, &id, `
			INSERT INTO games (group_id, name, minimum_point, maximum_point, timing_mode, countdown_seconds, status)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			g.GroupID, g.Name, g.MinPoints, g.MaxPoints, string(g.TimingMode), g.CountdownSeconds, string(g.Status))
		if err != nil {
			return fmt.Errorf("failed to create game: %w", err)
		}
		if len(rules) == 0 {
			rules = models.DefaultScoringRules(id)
		}
		return q.replaceScoringRules(ctx, id, rules)
	})
	return id, err
}

// SetGameStatus moves a game through its lifecycle.
func (s *Store) SetGameStatus(ctx context.Context, gameID int64, status models.GameStatus) error {
	res, err := s.q().exec(ctx, `UPDATE games SET status = ? WHERE id = ?`, string(status), gameID)
	if err != nil {
		return fmt.Errorf("failed to update game %d: %w", gameID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScoringRules replaces a game's scoring table.
func (s *Store) SetScoringRules(ctx context.Context, gameID int64, rules []models.ScoringRule) error {
	return sqlutil.Run(ctx, s.db, newQueries, func(q *queries) error {
		return q.replaceScoringRules(ctx, gameID, rules)
	})
}

// ScoringRules returns a game's scoring table ordered by place.
func (s *Store) ScoringRules(ctx context.Context, gameID int64) ([]models.ScoringRule, error) {
	var rules []models.ScoringRule
	err := s.q().selectAll(ctx, &rules, `
		SELECT game_id, place, place_name, points FROM game_scoring
		WHERE game_id = ? ORDER BY place`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scoring rules of game %d: %w", gameID, err)
	}
	return rules, nil
}

func (q *queries) replaceScoringRules(ctx context.Context, gameID int64, rules []models.ScoringRule) error {
	if _, err := q.exec(ctx, `DELETE FROM game_scoring WHERE game_id = ?`, gameID); err != nil {
		return fmt.Errorf("failed to clear scoring rules: %w", err)
	}
	for _, r := range rules {
		if _, err := q.exec(ctx, `INSERT INTO game_scoring (game_id, place, place_name, points) VALUES (?, ?, ?, ?)`,
			gameID, r.Place, r.PlaceName, r.Points); err != nil {
			return fmt.Errorf("failed to insert scoring rule for place %d: %w", r.Place, err)
		}
	}
	return nil
}
