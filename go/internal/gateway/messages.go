package gateway

import (
	"encoding/json"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
)

// Inbound message types
const (
	MsgParticipantJoin = "participant-join"
	MsgModeratorJoin   = "moderator-join"
	MsgSpectatorJoin   = "spectator-join"
	MsgRoundStart      = "round-start"
	MsgPress           = "press"
	MsgRoundDiscard    = "round-discard"
	MsgRoundConfirm    = "round-confirm"
	MsgManualEntry     = "manual-entry"
	MsgCodeIssue       = "code-issue"
	MsgCodeReset       = "code-reset"
	MsgSelectionSet    = "selection-set"
	MsgOfflineSet      = "offline-set"
	MsgCodeDisable     = "code-disable"
	MsgTimeSync        = "time-sync"
)

// InboundMessage is the envelope of everything a client sends.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type participantJoinData struct {
	Code   string `json:"code"`
	GameID int64  `json:"gameId"`
}

type moderatorJoinData struct {
	GameID int64  `json:"gameId"`
	Token  string `json:"token"`
}

type spectatorJoinData struct {
	GameID int64 `json:"gameId"`
}

type roundStartData struct {
	CountdownSeconds *int `json:"countdownSeconds,omitempty"`
}

type pressData struct {
	PressedAt *int64 `json:"pressedAt,omitempty"`
}

type manualEntryData struct {
	TeamID         int64 `json:"teamId"`
	ReactionTimeMs int64 `json:"reactionTimeMs"`
	Points         int   `json:"points"`
}

type teamData struct {
	TeamID int64 `json:"teamId"`
}

type selectionData struct {
	TeamID   int64 `json:"teamId"`
	Selected bool  `json:"selected"`
}

type offlineData struct {
	TeamID  int64 `json:"teamId"`
	Allowed bool  `json:"allowed"`
}

type disableData struct {
	TeamID   int64 `json:"teamId"`
	Disabled bool  `json:"disabled"`
}

type timeSyncData struct {
	ClientTime int64 `json:"clientTime"`
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Validation("malformed message data")
	}
	return nil
}
