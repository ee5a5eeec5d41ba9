package round

import (
	"context"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// Audience selects which connections of a game receive a broadcast.
type Audience int

const (
	AudienceAll Audience = iota
	AudienceStaff
	AudienceModerators
)

func (a Audience) String() string {
	switch a {
	case AudienceStaff:
		return "staff"
	case AudienceModerators:
		return "moderators"
	default:
		return "all"
	}
}

// Broadcaster fans events out to connections. Implementations must not block.
type Broadcaster interface {
	Broadcast(audience Audience, ev *events.Event)
	SendTo(connID string, ev *events.Event)
	Kick(connID string, ev *events.Event)
}

// Store is the persistence the sessions rely on.
type Store interface {
	GameConfig(ctx context.Context, gameID int64) (*models.GameConfig, error)
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
	AccessCodes(ctx context.Context, gameID int64) ([]models.AccessCode, error)
	SaveAccessCode(ctx context.Context, code models.AccessCode) error
	AppendEventLog(ctx context.Context, entry models.EventLogEntry) error
	// ConfirmScores upserts the scores and recomputes the group totals in one
	// transaction.
	ConfirmScores(ctx context.Context, groupID int64, scores []models.GameScore) (map[int64]int, error)
}

// Actor is whoever triggered an operation.
type Actor struct {
	Name string
	Role models.Role
}

func (a Actor) Moderator() bool { return a.Role.Moderator() }

var systemActor = Actor{Name: "system", Role: "system"}

// Round is one instance of a timed round. It is owned by its Session and only
// touched with the session lock held.
type Round struct {
	Generation       uint64
	Phase            models.Phase
	GoTime           int64
	MaxTimeMs        int64
	CountdownSeconds int
	TimingMode       models.TimingMode
	MaxPoints        int
	Selected         map[int64]bool
	Connected        map[int64]bool

	results    map[int64]*models.Result
	order      []int64
	confirmed  map[int64]bool
	confirming map[int64]*models.Result

	goTimer      clockwork.Timer
	timeoutTimer clockwork.Timer
}

func newRound(gen uint64, phase models.Phase, game models.GameConfig, maxTimeMs int64, countdown int, selected, connected []int64) *Round {
	return &Round{
		Generation:       gen,
		Phase:            phase,
		MaxTimeMs:        maxTimeMs,
		CountdownSeconds: countdown,
		TimingMode:       game.TimingMode,
		MaxPoints:        game.MaxPoints,
		Selected:         setOf(selected),
		Connected:        setOf(connected),
		results:          make(map[int64]*models.Result),
		confirmed:        make(map[int64]bool),
		confirming:       make(map[int64]*models.Result),
	}
}

// record stores res, replacing any earlier result of the team in place.
func (r *Round) record(res *models.Result) {
	if _, ok := r.results[res.TeamID]; !ok {
		r.order = append(r.order, res.TeamID)
	}
	r.results[res.TeamID] = res
}

func (r *Round) result(teamID int64) (models.Result, bool) {
	res, ok := r.results[teamID]
	if !ok {
		return models.Result{}, false
	}
	return *res, true
}

// sortedResults orders results fastest first. Equal times keep arrival order.
func (r *Round) sortedResults() []models.Result {
	out := make([]models.Result, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.results[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReactionTimeMs < out[j].ReactionTimeMs
	})
	return out
}

func (r *Round) allConnectedPressed() bool {
	if len(r.Connected) == 0 {
		return false
	}
	for id := range r.Connected {
		if _, ok := r.results[id]; !ok {
			return false
		}
	}
	return true
}

func (r *Round) stopTimers() {
	stopTimer(r.goTimer)
	stopTimer(r.timeoutTimer)
	r.goTimer = nil
	r.timeoutTimer = nil
}

func (r *Round) state(gameID, serverTime int64) models.RoundState {
	return models.RoundState{
		GameID:           gameID,
		Phase:            r.Phase,
		Generation:       r.Generation,
		GoTime:           r.GoTime,
		MaxTimeMs:        r.MaxTimeMs,
		CountdownSeconds: r.CountdownSeconds,
		TimingMode:       r.TimingMode,
		MaxPoints:        r.MaxPoints,
		ServerTime:       serverTime,
		Selected:         sortedIDs(r.Selected),
		Connected:        sortedIDs(r.Connected),
		Results:          r.sortedResults(),
		Confirmed:        sortedIDs(r.confirmed),
	}
}

// stopTimer stops t if it is set. AfterFunc timers have no channel to drain.
func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func setOf(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id, ok := range set {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
