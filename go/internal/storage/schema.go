package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/dbconfig"
)

// The schema is shared between drivers; only the identity column and the
// JSON column type differ.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS team_groups (
  id {{id}},
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
  id {{id}},
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS group_teams (
  group_id BIGINT NOT NULL REFERENCES team_groups(id) ON DELETE CASCADE,
  team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
  total_score INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (group_id, team_id)
);

CREATE TABLE IF NOT EXISTS games (
  id {{id}},
  group_id BIGINT NOT NULL REFERENCES team_groups(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  minimum_point INTEGER NOT NULL DEFAULT 0,
  maximum_point INTEGER NOT NULL DEFAULT 0,
  timing_mode TEXT NOT NULL DEFAULT 'server',
  countdown_seconds INTEGER NOT NULL DEFAULT 3,
  status TEXT NOT NULL DEFAULT 'coming'
);

CREATE TABLE IF NOT EXISTS game_scoring (
  game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
  place INTEGER NOT NULL,
  place_name TEXT NOT NULL DEFAULT '',
  points INTEGER NOT NULL,
  PRIMARY KEY (game_id, place)
);

CREATE TABLE IF NOT EXISTS game_scores (
  game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
  team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
  score INTEGER NOT NULL,
  PRIMARY KEY (game_id, team_id)
);

CREATE TABLE IF NOT EXISTS access_codes (
  game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
  team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
  code TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'available',
  connection_id TEXT NOT NULL DEFAULT '',
  offline_allowed BOOLEAN NOT NULL DEFAULT FALSE,
  selected BOOLEAN NOT NULL DEFAULT FALSE,
  connected_at TIMESTAMP,
  pressed_at TIMESTAMP,
  reaction_time_ms BIGINT,
  PRIMARY KEY (game_id, team_id),
  UNIQUE (game_id, code)
);

CREATE TABLE IF NOT EXISTS round_event_log (
  id {{id}},
  game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
  description TEXT NOT NULL,
  actor TEXT NOT NULL DEFAULT '',
  actor_role TEXT NOT NULL DEFAULT '',
  details {{json}},
  created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS round_event_log_game_idx ON round_event_log (game_id, created_at);
`

// Schema returns the DDL for driver.
func Schema(driver string) string {
	id, js := "BIGSERIAL PRIMARY KEY", "JSONB"
	if driver == dbconfig.DriverSQLite {
		id, js = "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"
	}
	return strings.NewReplacer("{{id}}", id, "{{json}}", js).Replace(schemaTemplate)
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema(s.db.DriverName()), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	log.Info().Str("driver", s.db.DriverName()).Msg("database schema applied")
	return nil
}
