package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for everything pushed to clients and to the event stream
type Event struct {
	ID        string          `json:"id"`        // Event UUID
	GameID    int64           `json:"game_id"`   // Game the event belongs to
	Type      Type            `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// Type is the type of an outbound event
type Type string

const (
	TypeJoined                     Type = "joined"
	TypeCountdownAnnounced         Type = "countdown-announced"
	TypeGoAnnounced                Type = "go-announced"
	TypePressAcknowledged          Type = "press-acknowledged"
	TypePressBroadcast             Type = "press-broadcast"
	TypeRoundResults               Type = "round-results"
	TypeRoundDiscarded             Type = "round-discarded"
	TypeRoundConfirmed             Type = "round-confirmed"
	TypeParticipantConnected       Type = "participant-connected"
	TypeParticipantDisconnected    Type = "participant-disconnected"
	TypeParticipantLost            Type = "participant-lost"
	TypeParticipantKicked          Type = "participant-kicked"
	TypeParticipantSelectionChange Type = "participant-selection-changed"
	TypeCodesUpdated               Type = "codes-updated"
	TypeTimeSync                   Type = "time-sync"
	TypeError                      Type = "error"
)

// New builds an event with a fresh id
func New(gameID int64, t Type, payload any, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{
		ID:        uuid.New().String(),
		GameID:    gameID,
		Type:      t,
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the payload of e into dst
func (e *Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
