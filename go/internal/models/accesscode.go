package models

import "time"

// CodeStatus is the lifecycle state of an access code.
type CodeStatus string

const (
	CodeStatusAvailable CodeStatus = "available"
	CodeStatusActive    CodeStatus = "active"
	CodeStatusUsed      CodeStatus = "used"
	CodeStatusDisabled  CodeStatus = "disabled"
)

// AccessCode binds a team to a game through a short join code.
type AccessCode struct {
	GameID         int64      `json:"game_id" db:"game_id"`
	TeamID         int64      `json:"team_id" db:"team_id"`
	Code           string     `json:"code" db:"code"`
	Status         CodeStatus `json:"status" db:"status"`
	ConnectionID   string     `json:"connection_id,omitempty" db:"connection_id"`
	OfflineAllowed bool       `json:"offline_allowed" db:"offline_allowed"`
	Selected       bool       `json:"selected" db:"selected"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	PressedAt      *time.Time `json:"pressed_at,omitempty" db:"pressed_at"`
	ReactionTimeMs *int64     `json:"reaction_time_ms,omitempty" db:"reaction_time_ms"`
}

// Bound reports whether a live connection holds the code.
func (c AccessCode) Bound() bool { return c.ConnectionID != "" }

// ClearReaction drops the press data of the previous round.
func (c *AccessCode) ClearReaction() {
	c.PressedAt = nil
	c.ReactionTimeMs = nil
}
