package models

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle state of a round.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhaseLive      Phase = "live"
	PhaseCompleted Phase = "completed"
	PhaseDiscarded Phase = "discarded"
)

// Result is one team's outcome in a round.
type Result struct {
	TeamID         int64     `json:"team_id"`
	ReactionTimeMs int64     `json:"reaction_time_ms"`
	Points         int       `json:"points"`
	PressedAt      time.Time `json:"pressed_at"`
	TimedOut       bool      `json:"timed_out,omitempty"`
	ManualEntry    bool      `json:"manual_entry,omitempty"`
}

// RoundState is the externally visible view of a game's current round.
type RoundState struct {
	GameID           int64      `json:"game_id"`
	Phase            Phase      `json:"phase"`
	Generation       uint64     `json:"generation"`
	GoTime           int64      `json:"go_time"`
	MaxTimeMs        int64      `json:"max_time_ms"`
	CountdownSeconds int        `json:"countdown_seconds"`
	TimingMode       TimingMode `json:"timing_mode"`
	MaxPoints        int        `json:"max_points"`
	ServerTime       int64      `json:"server_time"`
	Selected         []int64    `json:"selected"`
	Connected        []int64    `json:"connected"`
	Results          []Result   `json:"results"`
	Confirmed        []int64    `json:"confirmed"`
}

// Role identifies who is acting.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleEvaluator     Role = "evaluator"
	RoleParticipant   Role = "participant"
	RoleSpectator     Role = "spectator"
)

// Moderator reports whether the role may run rounds.
func (r Role) Moderator() bool {
	return r == RoleAdministrator || r == RoleEvaluator
}

// EventLogEntry is an append-only record of something that happened in a game.
type EventLogEntry struct {
	GameID      int64           `json:"game_id"`
	Description string          `json:"description"`
	Actor       string          `json:"actor"`
	ActorRole   Role            `json:"actor_role"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
