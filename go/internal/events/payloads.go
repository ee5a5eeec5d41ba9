package events

import (
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// Payloads shared by the round sessions, the gateway and the event stream.

// JoinedPayload is sent to a connection after a successful join
type JoinedPayload struct {
	Role   models.Role         `json:"role"`
	TeamID int64               `json:"team_id,omitempty"`
	Code   string              `json:"code,omitempty"`
	Round  *models.RoundState  `json:"round,omitempty"`
	Result *models.Result      `json:"result,omitempty"`
	Codes  []models.AccessCode `json:"codes,omitempty"`
	Game   *models.GameConfig  `json:"game,omitempty"`
}

// CountdownAnnouncedPayload is sent when a round starts
type CountdownAnnouncedPayload struct {
	Generation       uint64  `json:"generation"`
	GoTime           int64   `json:"go_time"`
	CountdownSeconds int     `json:"countdown_seconds"`
	MaxTimeMs        int64   `json:"max_time_ms"`
	ServerTime       int64   `json:"server_time"`
	Selected         []int64 `json:"selected"`
}

// GoAnnouncedPayload carries the re-stamped go instant
type GoAnnouncedPayload struct {
	Generation uint64 `json:"generation"`
	GoTime     int64  `json:"go_time"`
	ServerTime int64  `json:"server_time"`
}

// PressAcknowledgedPayload is sent only to the team that pressed
type PressAcknowledgedPayload struct {
	TeamID         int64 `json:"team_id"`
	ReactionTimeMs int64 `json:"reaction_time_ms"`
	Points         int   `json:"points"`
}

// PressBroadcastPayload tells moderators and spectators about a new result
type PressBroadcastPayload struct {
	Result models.Result `json:"result"`
}

// RoundResultsPayload is the final, sorted result set of a round
type RoundResultsPayload struct {
	Generation uint64          `json:"generation"`
	Reason     string          `json:"reason"`
	Results    []models.Result `json:"results"`
}

// RoundDiscardedPayload is sent when a moderator throws a round away
type RoundDiscardedPayload struct {
	Generation uint64 `json:"generation"`
	By         string `json:"by"`
}

// RoundConfirmedPayload carries the confirmed teams and the new group totals
type RoundConfirmedPayload struct {
	Generation uint64        `json:"generation"`
	Confirmed  []int64       `json:"confirmed"`
	Totals     map[int64]int `json:"totals"`
}

// ParticipantPayload reports connection changes of a team
type ParticipantPayload struct {
	TeamID int64  `json:"team_id"`
	Code   string `json:"code,omitempty"`
}

// KickedPayload is the last thing a kicked connection receives
type KickedPayload struct {
	TeamID int64  `json:"team_id"`
	Reason string `json:"reason"`
}

// SelectionChangedPayload is sent when a team is added to or removed from play
type SelectionChangedPayload struct {
	TeamID   int64 `json:"team_id"`
	Selected bool  `json:"selected"`
}

// CodesUpdatedPayload lists the access codes of a game for moderators
type CodesUpdatedPayload struct {
	Codes []models.AccessCode `json:"codes"`
}

// TimeSyncPayload answers a client clock probe
type TimeSyncPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
	ServerTime int64 `json:"server_time"`
}

// ErrorPayload is sent to the connection whose request was rejected
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Request string `json:"request,omitempty"`
}
