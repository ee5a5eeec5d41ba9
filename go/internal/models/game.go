package models

// TimingMode selects whose clock decides a participant's press instant.
type TimingMode string

const (
	TimingModeServer TimingMode = "server"
	TimingModeClient TimingMode = "client"
)

// ParseTimingMode maps stored values onto a TimingMode. Anything unknown falls
// back to server timing.
func ParseTimingMode(s string) TimingMode {
	if TimingMode(s) == TimingModeClient {
		return TimingModeClient
	}
	return TimingModeServer
}

// GameStatus is the lifecycle state managed by the admin side.
type GameStatus string

const (
	GameStatusComing  GameStatus = "coming"
	GameStatusRunning GameStatus = "running"
	GameStatusPast    GameStatus = "past"
)

// GameConfig is the read-only configuration of a game.
type GameConfig struct {
	ID               int64      `json:"id" db:"id"`
	GroupID          int64      `json:"group_id" db:"group_id"`
	Name             string     `json:"name" db:"name"`
	MinPoints        int        `json:"minimum_point" db:"minimum_point"`
	MaxPoints        int        `json:"maximum_point" db:"maximum_point"`
	TimingMode       TimingMode `json:"timing_mode" db:"timing_mode"`
	CountdownSeconds int        `json:"countdown_seconds" db:"countdown_seconds"`
	Status           GameStatus `json:"status" db:"status"`
}

// ScoringRule awards Points for finishing at Place. Place -1 matches any place
// without its own rule.
type ScoringRule struct {
	GameID    int64  `json:"game_id" db:"game_id"`
	Place     int    `json:"place" db:"place"`
	PlaceName string `json:"place_name" db:"place_name"`
	Points    int    `json:"points" db:"points"`
}

// OtherPlace is the Place value of the catch-all scoring rule.
const OtherPlace = -1

// DefaultScoringRules is the table new games start with.
func DefaultScoringRules(gameID int64) []ScoringRule {
	return []ScoringRule{
		{GameID: gameID, Place: 1, PlaceName: "1st", Points: 5},
		{GameID: gameID, Place: OtherPlace, PlaceName: "Other", Points: 0},
	}
}

// GameScore is a team's raw score in one game.
type GameScore struct {
	GameID int64 `json:"game_id" db:"game_id"`
	TeamID int64 `json:"team_id" db:"team_id"`
	Score  int   `json:"score" db:"score"`
}

// Standing is one row of a group leaderboard.
type Standing struct {
	TeamID   int64  `json:"team_id" db:"team_id"`
	TeamName string `json:"team_name" db:"team_name"`
	Total    int    `json:"total_score" db:"total_score"`
}
