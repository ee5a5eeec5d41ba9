package round

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/accesscode"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/metrics"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/timing"
)

// MaxCountdownSeconds caps the countdown a moderator may request.
const MaxCountdownSeconds = 60

const (
	EndReasonTimeout    = "timeout"
	EndReasonAllPressed = "all-pressed"
)

var (
	errModeratorOnly     = apperr.Authorization("moderator role required")
	ErrNothingToConfirm  = apperr.Conflict("nothing to confirm")
	errRoundNotLive      = apperr.Conflict("round is not live")
	errNotSelected       = apperr.Conflict("participant is not selected for this round")
	errDuplicatePress    = apperr.Conflict("press already recorded")
	errNotJoined         = apperr.Conflict("connection has not joined this game")
	errNoRound           = apperr.Conflict("no active round")
	errNotConfirmable    = apperr.Conflict("round is not live or completed")
	errUnknownTeam       = apperr.NotFound("unknown participant")
	errNegativeReaction  = apperr.Validation("reaction time must not be negative")
	errCountdownRange    = apperr.Validation(fmt.Sprintf("countdown must be between 0 and %d seconds", MaxCountdownSeconds))
	errNoPointsAvailable = apperr.Validation("game has no maximum points configured")
)

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Clock         clockwork.Clock
	Store         Store
	Writer        *Writer
	Broadcaster   Broadcaster
	Metrics       metrics.Collector
	CodeGenerator accesscode.Generator
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoOp{}
	}
	if d.Writer == nil {
		d.Writer = NewWriter(d.Store, 1, 256, d.Metrics)
	}
	return d
}

// Session is the single authority over one game's round and access codes.
// Every exported method takes the session lock; nothing blocks on I/O while
// holding it except Confirm's store call, which runs after the lock is released.
type Session struct {
	mu sync.Mutex
	id int64

	game    models.GameConfig
	members map[int64]bool
	codes   *accesscode.Table
	round   *Round
	gen     uint64

	clock   clockwork.Clock
	store   Store
	writer  *Writer
	out     Broadcaster
	metrics metrics.Collector
}

// NewSession builds a session from stored state.
func NewSession(game models.GameConfig, members []int64, codes []models.AccessCode, deps Deps) *Session {
	deps = deps.withDefaults()
	return &Session{
		id:      game.ID,
		game:    normalize(game),
		members: setOf(members),
		codes:   accesscode.NewTable(game.ID, codes, deps.CodeGenerator),
		clock:   deps.Clock,
		store:   deps.Store,
		writer:  deps.Writer,
		out:     deps.Broadcaster,
		metrics: deps.Metrics,
	}
}

func normalize(game models.GameConfig) models.GameConfig {
	game.TimingMode = models.ParseTimingMode(string(game.TimingMode))
	if game.MinPoints < 0 {
		game.MinPoints = 0
	}
	if game.CountdownSeconds < 0 {
		game.CountdownSeconds = 0
	}
	if game.CountdownSeconds > MaxCountdownSeconds {
		game.CountdownSeconds = MaxCountdownSeconds
	}
	return game
}

// GameID returns the id of the game this session owns.
func (s *Session) GameID() int64 { return s.id }

// Game returns the current configuration.
func (s *Session) Game() models.GameConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.game
}

// UpdateConfig replaces the configuration. A running round keeps the values
// it snapshotted at start.
func (s *Session) UpdateConfig(game models.GameConfig, members []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	game.ID = s.id
	s.game = normalize(game)
	s.members = setOf(members)
}

// Snapshot returns the current round state, or an idle state when there is none.
func (s *Session) Snapshot() models.RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() models.RoundState {
	now := s.clock.Now().UnixMilli()
	if s.round == nil {
		return models.RoundState{
			GameID:     s.game.ID,
			Phase:      models.PhaseIdle,
			TimingMode: s.game.TimingMode,
			MaxPoints:  s.game.MaxPoints,
			MaxTimeMs:  timing.MaxTimeMs(s.game.MaxPoints),
			ServerTime: now,
			Selected:   s.codes.Selected(),
			Connected:  s.codes.ConnectedSelected(),
			Results:    []models.Result{},
			Confirmed:  []int64{},
		}
	}
	return s.round.state(s.game.ID, now)
}

// Start begins a new round, superseding whatever round existed before.
// countdown overrides the configured countdown when set.
func (s *Session) Start(ctx context.Context, actor Actor, countdown *int) (models.RoundState, error) {
	if !actor.Moderator() {
		return models.RoundState{}, errModeratorOnly
	}
	if countdown != nil && (*countdown < 0 || *countdown > MaxCountdownSeconds) {
		return models.RoundState{}, errCountdownRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game.Status != models.GameStatusRunning {
		return models.RoundState{}, errGameNotRunning
	}
	if s.game.MaxPoints <= 0 {
		return models.RoundState{}, errNoPointsAvailable
	}

	if prev := s.round; prev != nil {
		prev.stopTimers()
		log.Debug().
			Int64("game_id", s.game.ID).
			Uint64("generation", prev.Generation).
			Str("phase", string(prev.Phase)).
			Msg("superseding previous round")
	}

	cd := s.game.CountdownSeconds
	if countdown != nil {
		cd = *countdown
	}
	maxTime := timing.MaxTimeMs(s.game.MaxPoints)
	now := s.clock.Now()

	selected := s.codes.Selected()
	for _, c := range s.codes.ClearReactions(selected) {
		s.writer.SaveAccessCode(c)
	}

	s.gen++
	gen := s.gen
	r := newRound(gen, models.PhaseCountdown, s.game, maxTime, cd, selected, s.codes.ConnectedSelected())
	r.GoTime = now.UnixMilli() + int64(cd)*1000
	s.round = r

	r.goTimer = s.clock.AfterFunc(time.Duration(cd)*time.Second, func() { s.onGo(gen) })
	r.timeoutTimer = s.clock.AfterFunc(
		time.Duration(timing.TimeoutDelayMs(cd, maxTime))*time.Millisecond,
		func() { s.onTimeout(gen) },
	)

	s.emit(AudienceAll, events.TypeCountdownAnnounced, events.CountdownAnnouncedPayload{
		Generation:       gen,
		GoTime:           r.GoTime,
		CountdownSeconds: cd,
		MaxTimeMs:        maxTime,
		ServerTime:       now.UnixMilli(),
		Selected:         selected,
	})
	s.logEvent(actor, "round started", map[string]any{
		"generation":        gen,
		"countdown_seconds": cd,
		"selected":          selected,
	})
	s.metrics.RecordRoundStarted()

	log.Info().
		Int64("game_id", s.game.ID).
		Uint64("generation", gen).
		Int("countdown_seconds", cd).
		Int("selected", len(selected)).
		Int("connected", len(r.Connected)).
		Str("actor", actor.Name).
		Msg("round started")

	return r.state(s.game.ID, now.UnixMilli()), nil
}

func (s *Session) onGo(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.round
	if r == nil || r.Generation != gen || r.Phase != models.PhaseCountdown {
		log.Debug().Int64("game_id", s.game.ID).Uint64("generation", gen).Msg("stale go timer ignored")
		return
	}

	now := s.clock.Now()
	r.Phase = models.PhaseLive
	r.GoTime = now.UnixMilli()
	r.goTimer = nil

	s.emit(AudienceAll, events.TypeGoAnnounced, events.GoAnnouncedPayload{
		Generation: gen,
		GoTime:     r.GoTime,
		ServerTime: now.UnixMilli(),
	})

	log.Info().Int64("game_id", s.game.ID).Uint64("generation", gen).Msg("round live")
}

func (s *Session) onTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.round
	if r == nil || r.Generation != gen || (r.Phase != models.PhaseCountdown && r.Phase != models.PhaseLive) {
		log.Debug().Int64("game_id", s.game.ID).Uint64("generation", gen).Msg("stale timeout timer ignored")
		return
	}
	s.endRound(r, EndReasonTimeout)
}

// Press records a participant's press. The team is resolved from the
// connection so a kicked or reset connection cannot score.
func (s *Session) Press(ctx context.Context, connID string, reported *int64) (models.Result, error) {
	received := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	teamID, ok := s.codes.TeamForConnection(connID)
	if !ok {
		return s.rejectPress(errNotJoined)
	}

	r := s.round
	switch {
	case r == nil || r.Phase != models.PhaseLive:
		return s.rejectPress(errRoundNotLive)
	case !r.Selected[teamID]:
		return s.rejectPress(errNotSelected)
	case r.results[teamID] != nil:
		return s.rejectPress(errDuplicatePress)
	}

	rt := timing.ReactionTime(r.GoTime, r.TimingMode, reported, received.UnixMilli(), r.MaxTimeMs)
	res := &models.Result{
		TeamID:         teamID,
		ReactionTimeMs: rt,
		Points:         timing.Points(r.MaxPoints, rt),
		PressedAt:      received.UTC(),
	}
	r.record(res)

	if code, ok := s.codes.RecordPress(teamID, received, rt); ok {
		s.writer.SaveAccessCode(code)
	}

	s.sendTo(connID, events.TypePressAcknowledged, events.PressAcknowledgedPayload{
		TeamID:         teamID,
		ReactionTimeMs: rt,
		Points:         res.Points,
	})
	s.emit(AudienceStaff, events.TypePressBroadcast, events.PressBroadcastPayload{Result: *res})
	s.metrics.RecordPress(true, rt)

	log.Debug().
		Int64("game_id", s.game.ID).
		Int64("team_id", teamID).
		Int64("reaction_ms", rt).
		Int("points", res.Points).
		Msg("press recorded")

	if r.allConnectedPressed() {
		s.endRound(r, EndReasonAllPressed)
	}
	return *res, nil
}

func (s *Session) rejectPress(err error) (models.Result, error) {
	s.metrics.RecordPress(false, 0)
	return models.Result{}, err
}

// endRound completes r. Selected teams without a result time out unless they
// are allowed to play offline. Called with the lock held.
func (s *Session) endRound(r *Round, reason string) {
	r.stopTimers()
	r.Phase = models.PhaseCompleted

	now := s.clock.Now().UTC()
	for _, teamID := range sortedIDs(r.Selected) {
		if _, ok := r.results[teamID]; ok {
			continue
		}
		if c, ok := s.codes.Get(teamID); ok && c.OfflineAllowed {
			continue
		}
		r.record(&models.Result{
			TeamID:         teamID,
			ReactionTimeMs: timing.TimeoutReactionMs(r.MaxTimeMs),
			Points:         0,
			PressedAt:      now,
			TimedOut:       true,
		})
	}

	results := r.sortedResults()
	s.emit(AudienceAll, events.TypeRoundResults, events.RoundResultsPayload{
		Generation: r.Generation,
		Reason:     reason,
		Results:    results,
	})
	s.logEvent(systemActor, "round completed", map[string]any{
		"generation": r.Generation,
		"reason":     reason,
		"results":    len(results),
	})
	s.metrics.RecordRoundEnded(reason)

	log.Info().
		Int64("game_id", s.game.ID).
		Uint64("generation", r.Generation).
		Str("reason", reason).
		Int("results", len(results)).
		Msg("round completed")
}

// Discard throws the current round away and clears all reaction data.
func (s *Session) Discard(ctx context.Context, actor Actor) error {
	if !actor.Moderator() {
		return errModeratorOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.round
	if r == nil {
		return errNoRound
	}
	r.stopTimers()
	r.Phase = models.PhaseDiscarded
	s.round = nil

	for _, c := range s.codes.ClearAllReactions() {
		s.writer.SaveAccessCode(c)
	}

	s.emit(AudienceAll, events.TypeRoundDiscarded, events.RoundDiscardedPayload{
		Generation: r.Generation,
		By:         actor.Name,
	})
	s.logEvent(actor, "round discarded", map[string]any{"generation": r.Generation})
	s.metrics.RecordRoundEnded("discarded")

	log.Info().
		Int64("game_id", s.game.ID).
		Uint64("generation", r.Generation).
		Str("actor", actor.Name).
		Msg("round discarded")
	return nil
}

// ConfirmOutcome describes a successful confirm.
type ConfirmOutcome struct {
	Persisted []int64
	Confirmed []int64
	Totals    map[int64]int
}

// Confirm persists every result that is not yet confirmed. The delta is
// reserved under the lock, written without it, and committed or rolled back
// once the store answers, so presses keep flowing meanwhile and a failed
// confirm can simply be retried.
func (s *Session) Confirm(ctx context.Context, actor Actor) (*ConfirmOutcome, error) {
	if !actor.Moderator() {
		return nil, errModeratorOnly
	}

	s.mu.Lock()
	r := s.round
	if r == nil {
		s.mu.Unlock()
		return nil, errNoRound
	}
	if r.Phase != models.PhaseLive && r.Phase != models.PhaseCompleted {
		s.mu.Unlock()
		return nil, errNotConfirmable
	}

	pending := make(map[int64]*models.Result)
	var scores []models.GameScore
	for _, id := range r.order {
		if r.confirmed[id] || r.confirming[id] != nil {
			continue
		}
		res := r.results[id]
		pending[id] = res
		r.confirming[id] = res
		scores = append(scores, models.GameScore{GameID: s.game.ID, TeamID: id, Score: res.Points})
	}
	groupID := s.game.GroupID
	s.mu.Unlock()

	if len(scores) == 0 {
		return nil, ErrNothingToConfirm
	}

	started := time.Now()
	totals, err := s.store.ConfirmScores(ctx, groupID, scores)
	s.metrics.RecordConfirm(len(scores), err == nil, time.Since(started))

	s.mu.Lock()
	defer s.mu.Unlock()

	persisted := make([]int64, 0, len(pending))
	for id, res := range pending {
		delete(r.confirming, id)
		// A manual entry that replaced the result mid-flight stays unconfirmed.
		if err == nil && r.results[id] == res {
			r.confirmed[id] = true
			persisted = append(persisted, id)
		}
	}

	if err != nil {
		log.Error().
			Err(err).
			Int64("game_id", s.game.ID).
			Uint64("generation", r.Generation).
			Int("scores", len(scores)).
			Msg("failed to confirm scores")
		return nil, apperr.Collaborator("failed to persist scores", err)
	}

	out := &ConfirmOutcome{
		Persisted: sortedIDs(setOf(persisted)),
		Confirmed: sortedIDs(r.confirmed),
		Totals:    totals,
	}

	s.emit(AudienceAll, events.TypeRoundConfirmed, events.RoundConfirmedPayload{
		Generation: r.Generation,
		Confirmed:  out.Confirmed,
		Totals:     totals,
	})
	s.logEvent(actor, "scores confirmed", map[string]any{
		"generation": r.Generation,
		"teams":      out.Persisted,
	})

	log.Info().
		Int64("game_id", s.game.ID).
		Int64("group_id", groupID).
		Uint64("generation", r.Generation).
		Int("persisted", len(out.Persisted)).
		Msg("scores confirmed")
	return out, nil
}

// ManualEntry records a result on behalf of a team, replacing any earlier
// result. It works in every phase; without a round a frozen completed round is
// created to hold manual results.
func (s *Session) ManualEntry(ctx context.Context, actor Actor, teamID, reactionMs int64, points int) (models.Result, error) {
	if !actor.Moderator() {
		return models.Result{}, errModeratorOnly
	}
	if reactionMs < 0 {
		return models.Result{}, errNegativeReaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.members[teamID] {
		return models.Result{}, errUnknownTeam
	}
	if points < s.game.MinPoints || points > s.game.MaxPoints {
		return models.Result{}, apperr.Validation(
			fmt.Sprintf("points must be between %d and %d", s.game.MinPoints, s.game.MaxPoints))
	}

	now := s.clock.Now()
	r := s.round
	if r == nil {
		s.gen++
		r = newRound(s.gen, models.PhaseCompleted, s.game, timing.MaxTimeMs(s.game.MaxPoints),
			s.game.CountdownSeconds, s.codes.Selected(), nil)
		s.round = r
	}

	res := &models.Result{
		TeamID:         teamID,
		ReactionTimeMs: reactionMs,
		Points:         points,
		PressedAt:      now.UTC(),
		ManualEntry:    true,
	}
	r.record(res)
	delete(r.confirmed, teamID)

	s.emit(AudienceStaff, events.TypePressBroadcast, events.PressBroadcastPayload{Result: *res})
	s.logEvent(actor, "manual result entered", map[string]any{
		"generation":       r.Generation,
		"team_id":          teamID,
		"reaction_time_ms": reactionMs,
		"points":           points,
	})

	log.Info().
		Int64("game_id", s.game.ID).
		Int64("team_id", teamID).
		Int("points", points).
		Str("actor", actor.Name).
		Msg("manual result entered")

	if r.Phase == models.PhaseLive && r.allConnectedPressed() {
		s.endRound(r, EndReasonAllPressed)
	}
	return *res, nil
}

// Shutdown stops the timers of the current round.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round != nil {
		s.round.stopTimers()
	}
}

func (s *Session) newEvent(t events.Type, payload any) *events.Event {
	ev, err := events.New(s.game.ID, t, payload, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Int64("game_id", s.game.ID).Str("event_type", string(t)).Msg("failed to build event")
		return nil
	}
	return ev
}

func (s *Session) emit(audience Audience, t events.Type, payload any) {
	if ev := s.newEvent(t, payload); ev != nil && s.out != nil {
		s.out.Broadcast(audience, ev)
	}
}

func (s *Session) sendTo(connID string, t events.Type, payload any) {
	if ev := s.newEvent(t, payload); ev != nil && s.out != nil {
		s.out.SendTo(connID, ev)
	}
}

func (s *Session) logEvent(actor Actor, description string, details map[string]any) {
	entry := models.EventLogEntry{
		GameID:      s.game.ID,
		Description: description,
		Actor:       actor.Name,
		ActorRole:   actor.Role,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			entry.Details = b
		}
	}
	s.writer.AppendEventLog(entry)
}
