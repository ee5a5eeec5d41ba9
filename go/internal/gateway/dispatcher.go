package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/auth"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
)

const requestTimeout = 10 * time.Second

var (
	errAlreadyJoined    = apperr.Conflict("connection already joined a game")
	errJoinFirst        = apperr.Conflict("join a game first")
	errModeratorOnly    = apperr.Authorization("moderator role required")
	errParticipantOnly  = apperr.Authorization("only participants can press")
	errInvalidToken     = apperr.Authorization("invalid token")
	errUnknownMessage   = apperr.Validation("unknown message type")
	errMalformedMessage = apperr.Validation("malformed message")
	errGameRequired     = apperr.Validation("gameId is required")
	errTooManyJoins     = apperr.Exhausted("too many join attempts")
)

// Dispatcher turns inbound websocket messages into session operations.
type Dispatcher struct {
	manager  *ConnectionManager
	registry *round.Registry
	tokens   auth.Service
	limiter  *IPRateLimiter
	clock    clockwork.Clock
}

// NewDispatcher wires itself into the connection manager's callbacks.
func NewDispatcher(cm *ConnectionManager, registry *round.Registry, tokens auth.Service, limiter *IPRateLimiter, clock clockwork.Clock) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Dispatcher{
		manager:  cm,
		registry: registry,
		tokens:   tokens,
		limiter:  limiter,
		clock:    clock,
	}
	cm.Handle(d.HandleMessage, d.HandleClose)
	return d
}

// HandleMessage processes one inbound message. Rejections go back to the
// sending connection only.
func (d *Dispatcher) HandleMessage(conn *Connection, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		d.reject(conn, "", errMalformedMessage)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := d.dispatch(ctx, conn, msg); err != nil {
		d.reject(conn, msg.Type, err)
	}
}

// HandleClose releases a participant's access code when its socket goes away.
func (d *Dispatcher) HandleClose(conn *Connection) {
	id := conn.Identity()
	if !id.Joined() || id.Role != models.RoleParticipant {
		return
	}
	if s, ok := d.registry.Lookup(id.GameID); ok {
		s.Release(conn.ID)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *Connection, msg InboundMessage) error {
	switch msg.Type {
	case MsgParticipantJoin:
		return d.participantJoin(ctx, conn, msg.Data)
	case MsgModeratorJoin:
		return d.moderatorJoin(ctx, conn, msg.Data)
	case MsgSpectatorJoin:
		return d.spectatorJoin(ctx, conn, msg.Data)
	case MsgPress:
		return d.press(ctx, conn, msg.Data)
	case MsgTimeSync:
		return d.timeSync(conn, msg.Data)
	case MsgRoundStart, MsgRoundDiscard, MsgRoundConfirm, MsgManualEntry,
		MsgCodeIssue, MsgCodeReset, MsgSelectionSet, MsgOfflineSet, MsgCodeDisable:
		return d.moderate(ctx, conn, msg)
	default:
		return errUnknownMessage
	}
}

func (d *Dispatcher) participantJoin(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var data participantJoinData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.GameID == 0 {
		return errGameRequired
	}
	if d.limiter != nil && !d.limiter.Allow(clientIP(conn.RemoteAddr)) {
		return errTooManyJoins
	}
	if conn.Identity().Joined() {
		return errAlreadyJoined
	}

	s, err := d.registry.Refreshed(ctx, data.GameID)
	if err != nil {
		return err
	}

	// Subscribe before joining so no event after the join is missed.
	if err := d.manager.Bind(conn, Identity{GameID: data.GameID, Role: models.RoleParticipant}); err != nil {
		return err
	}
	out, err := s.Join(ctx, data.Code, conn.ID)
	if err != nil {
		d.manager.Unbind(conn)
		return err
	}
	conn.setTeam(out.Code.TeamID)

	d.reply(conn, data.GameID, events.TypeJoined, events.JoinedPayload{
		Role:   models.RoleParticipant,
		TeamID: out.Code.TeamID,
		Code:   out.Code.Code,
		Round:  &out.Round,
		Result: out.Result,
	})
	return nil
}

func (d *Dispatcher) moderatorJoin(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var data moderatorJoinData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.GameID == 0 {
		return errGameRequired
	}

	claims, err := d.tokens.ValidateToken(data.Token)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("moderator token rejected")
		return errInvalidToken
	}
	if !claims.Role.Moderator() {
		return errModeratorOnly
	}

	s, err := d.registry.Refreshed(ctx, data.GameID)
	if err != nil {
		return err
	}
	actor := round.Actor{Name: claims.Name, Role: claims.Role}
	if err := d.manager.Bind(conn, Identity{GameID: data.GameID, Role: claims.Role, Actor: actor}); err != nil {
		return err
	}

	game := s.Game()
	state := s.Snapshot()
	d.reply(conn, data.GameID, events.TypeJoined, events.JoinedPayload{
		Role:  claims.Role,
		Round: &state,
		Codes: s.Codes(),
		Game:  &game,
	})

	log.Info().
		Str("connection_id", conn.ID).
		Int64("game_id", data.GameID).
		Str("actor", actor.Name).
		Str("role", string(actor.Role)).
		Msg("moderator joined")
	return nil
}

func (d *Dispatcher) spectatorJoin(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var data spectatorJoinData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.GameID == 0 {
		return errGameRequired
	}

	s, err := d.registry.Session(ctx, data.GameID)
	if err != nil {
		return err
	}
	if err := d.manager.Bind(conn, Identity{GameID: data.GameID, Role: models.RoleSpectator}); err != nil {
		return err
	}

	game := s.Game()
	state := s.Snapshot()
	d.reply(conn, data.GameID, events.TypeJoined, events.JoinedPayload{
		Role:  models.RoleSpectator,
		Round: &state,
		Game:  &game,
	})
	return nil
}

func (d *Dispatcher) press(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	id := conn.Identity()
	if !id.Joined() {
		return errJoinFirst
	}
	if id.Role != models.RoleParticipant {
		return errParticipantOnly
	}

	var data pressData
	if err := decode(raw, &data); err != nil {
		return err
	}

	s, err := d.registry.Session(ctx, id.GameID)
	if err != nil {
		return err
	}
	_, err = s.Press(ctx, conn.ID, data.PressedAt)
	return err
}

// moderate runs the moderator-only commands.
func (d *Dispatcher) moderate(ctx context.Context, conn *Connection, msg InboundMessage) error {
	id := conn.Identity()
	if !id.Joined() {
		return errJoinFirst
	}
	if !id.Role.Moderator() {
		return errModeratorOnly
	}

	s, err := d.sessionFor(ctx, id.GameID, msg.Type)
	if err != nil {
		return err
	}
	actor := id.Actor

	switch msg.Type {
	case MsgRoundStart:
		var data roundStartData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := s.Start(ctx, actor, data.CountdownSeconds)
		return err

	case MsgRoundDiscard:
		return s.Discard(ctx, actor)

	case MsgRoundConfirm:
		_, err := s.Confirm(ctx, actor)
		return err

	case MsgManualEntry:
		var data manualEntryData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := s.ManualEntry(ctx, actor, data.TeamID, data.ReactionTimeMs, data.Points)
		return err

	case MsgCodeIssue:
		var data teamData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := s.IssueCode(ctx, actor, data.TeamID)
		return err

	case MsgCodeReset:
		var data teamData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := s.ResetCode(ctx, actor, data.TeamID)
		return err

	case MsgSelectionSet:
		var data selectionData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		return s.SetSelected(ctx, actor, data.TeamID, data.Selected)

	case MsgOfflineSet:
		var data offlineData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		return s.SetOfflineAllowed(ctx, actor, data.TeamID, data.Allowed)

	case MsgCodeDisable:
		var data disableData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		return s.SetDisabled(ctx, actor, data.TeamID, data.Disabled)
	}
	return errUnknownMessage
}

// sessionFor re-reads the game before commands that depend on its status or
// membership. The rest run against the loaded session.
func (d *Dispatcher) sessionFor(ctx context.Context, gameID int64, msgType string) (*round.Session, error) {
	switch msgType {
	case MsgRoundStart, MsgCodeIssue, MsgManualEntry:
		return d.registry.Refreshed(ctx, gameID)
	}
	return d.registry.Session(ctx, gameID)
}

func (d *Dispatcher) timeSync(conn *Connection, raw json.RawMessage) error {
	var data timeSyncData
	if err := decode(raw, &data); err != nil {
		return err
	}
	d.reply(conn, conn.Identity().GameID, events.TypeTimeSync, events.TimeSyncPayload{
		ClientTime: data.ClientTime,
		ServerTime: d.clock.Now().UnixMilli(),
	})
	return nil
}

func (d *Dispatcher) reject(conn *Connection, request string, err error) {
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "internal"
		log.Error().Err(err).Str("connection_id", conn.ID).Str("request", request).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("connection_id", conn.ID).Str("request", request).Msg("request rejected")
	}

	d.reply(conn, conn.Identity().GameID, events.TypeError, events.ErrorPayload{
		Kind:    kind,
		Reason:  apperr.ReasonOf(err),
		Request: request,
	})
}

func (d *Dispatcher) reply(conn *Connection, gameID int64, t events.Type, payload any) {
	ev, err := events.New(gameID, t, payload, d.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to build reply")
		return
	}
	conn.send(ev)
}

func (c *Connection) setTeam(teamID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.TeamID = teamID
}
