package round

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/accesscode"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

var errGameNotRunning = apperr.Conflict("game is not running")

// JoinOutcome is what a participant needs to resynchronize after joining.
type JoinOutcome struct {
	Code   models.AccessCode
	Round  models.RoundState
	Result *models.Result
}

// Join binds a participant connection to its access code.
func (s *Session) Join(ctx context.Context, code, connID string) (*JoinOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes.Lookup(code); !ok {
		return nil, apperr.NotFound("unknown code")
	}
	if s.game.Status != models.GameStatusRunning {
		return nil, errGameNotRunning
	}

	c, err := s.codes.Join(code, connID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.writer.SaveAccessCode(c)

	s.emit(AudienceModerators, events.TypeParticipantConnected, events.ParticipantPayload{
		TeamID: c.TeamID,
		Code:   c.Code,
	})

	out := &JoinOutcome{Code: c, Round: s.stateLocked()}
	if s.round != nil {
		if res, ok := s.round.result(c.TeamID); ok {
			out.Result = &res
		}
	}

	log.Info().
		Int64("game_id", s.game.ID).
		Int64("team_id", c.TeamID).
		Str("connection_id", connID).
		Msg("participant joined")
	return out, nil
}

// Release handles a participant connection going away.
func (s *Session) Release(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.round
	liveServerTimed := r != nil && r.Phase == models.PhaseLive && r.TimingMode == models.TimingModeServer

	c, outcome, ok := s.codes.Release(connID, liveServerTimed)
	if !ok {
		return
	}
	s.writer.SaveAccessCode(c)

	t := events.TypeParticipantDisconnected
	if outcome == accesscode.OutcomeLost {
		t = events.TypeParticipantLost
		s.logEvent(systemActor, "participant lost during live round", map[string]any{"team_id": c.TeamID})
	}
	s.emit(AudienceModerators, t, events.ParticipantPayload{TeamID: c.TeamID, Code: c.Code})

	log.Info().
		Int64("game_id", s.game.ID).
		Int64("team_id", c.TeamID).
		Str("connection_id", connID).
		Str("outcome", string(outcome)).
		Msg("participant released")
}

// TeamForConnection returns the team a participant connection is bound to.
func (s *Session) TeamForConnection(connID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes.TeamForConnection(connID)
}

// Codes returns every access code of the game.
func (s *Session) Codes() []models.AccessCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes.All()
}

// IssueCode creates an access code for a team of the game's group.
func (s *Session) IssueCode(ctx context.Context, actor Actor, teamID int64) (models.AccessCode, error) {
	if !actor.Moderator() {
		return models.AccessCode{}, errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.members[teamID] {
		return models.AccessCode{}, errUnknownTeam
	}
	c, created, err := s.codes.Issue(teamID)
	if err != nil {
		return models.AccessCode{}, err
	}
	if created {
		s.writer.SaveAccessCode(c)
		s.emitCodes()
		s.logEvent(actor, "access code issued", map[string]any{"team_id": teamID})
	}
	return c, nil
}

// ResetCode kicks whoever holds the team's code and issues a fresh one.
func (s *Session) ResetCode(ctx context.Context, actor Actor, teamID int64) (models.AccessCode, error) {
	if !actor.Moderator() {
		return models.AccessCode{}, errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, kicked, err := s.codes.Reset(teamID)
	if err != nil {
		return models.AccessCode{}, err
	}
	s.writer.SaveAccessCode(c)

	if kicked != "" {
		s.kick(kicked, teamID, "access code reset")
		s.emit(AudienceModerators, events.TypeParticipantDisconnected, events.ParticipantPayload{TeamID: teamID})
	}
	s.emitCodes()
	s.logEvent(actor, "access code reset", map[string]any{"team_id": teamID})

	log.Info().
		Int64("game_id", s.game.ID).
		Int64("team_id", teamID).
		Bool("kicked", kicked != "").
		Msg("access code reset")
	return c, nil
}

// SetSelected adds a team to or removes it from upcoming rounds.
func (s *Session) SetSelected(ctx context.Context, actor Actor, teamID int64, selected bool) error {
	if !actor.Moderator() {
		return errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.codes.SetSelected(teamID, selected)
	if err != nil {
		return err
	}
	s.writer.SaveAccessCode(c)
	s.emit(AudienceAll, events.TypeParticipantSelectionChange, events.SelectionChangedPayload{
		TeamID:   teamID,
		Selected: selected,
	})
	return nil
}

// SetOfflineAllowed controls whether a team may skip the timeout penalty.
func (s *Session) SetOfflineAllowed(ctx context.Context, actor Actor, teamID int64, allowed bool) error {
	if !actor.Moderator() {
		return errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.codes.SetOfflineAllowed(teamID, allowed)
	if err != nil {
		return err
	}
	s.writer.SaveAccessCode(c)
	s.emitCodes()
	return nil
}

// SetDisabled disables or re-enables a team's code, kicking any holder.
func (s *Session) SetDisabled(ctx context.Context, actor Actor, teamID int64, disabled bool) error {
	if !actor.Moderator() {
		return errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, kicked, err := s.codes.SetDisabled(teamID, disabled)
	if err != nil {
		return err
	}
	s.writer.SaveAccessCode(c)
	if kicked != "" {
		s.kick(kicked, teamID, "access code disabled")
		s.emit(AudienceModerators, events.TypeParticipantDisconnected, events.ParticipantPayload{TeamID: teamID})
	}
	s.emitCodes()
	return nil
}

func (s *Session) kick(connID string, teamID int64, reason string) {
	ev := s.newEvent(events.TypeParticipantKicked, events.KickedPayload{TeamID: teamID, Reason: reason})
	if ev != nil && s.out != nil {
		s.out.Kick(connID, ev)
	}
}

func (s *Session) emitCodes() {
	s.emit(AudienceModerators, events.TypeCodesUpdated, events.CodesUpdatedPayload{Codes: s.codes.All()})
}
