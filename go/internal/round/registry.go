package round

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// Registry holds one Session per game. Sessions are loaded lazily and live
// until shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	deps     Deps
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		deps:     deps.withDefaults(),
	}
}

// Session returns the session of gameID, loading it from the store on first use.
// The store is queried without holding the registry lock.
func (r *Registry) Session(ctx context.Context, gameID int64) (*Session, error) {
	if s, ok := r.Lookup(gameID); ok {
		return s, nil
	}

	game, members, codes, err := r.load(ctx, gameID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have loaded it meanwhile.
	if s, ok := r.sessions[gameID]; ok {
		return s, nil
	}
	s := NewSession(*game, members, codes, r.deps)
	r.sessions[gameID] = s

	log.Info().
		Int64("game_id", gameID).
		Int("codes", len(codes)).
		Int("members", len(members)).
		Msg("game session loaded")
	return s, nil
}

// Lookup returns an already loaded session.
func (r *Registry) Lookup(gameID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[gameID]
	return s, ok
}

// Reload refreshes a session's configuration and membership from the store,
// loading the session if needed. Access codes stay as they are in memory.
func (r *Registry) Reload(ctx context.Context, gameID int64) (*Session, error) {
	s, ok := r.Lookup(gameID)
	if !ok {
		return r.Session(ctx, gameID)
	}

	game, err := r.deps.Store.GameConfig(ctx, gameID)
	if err != nil {
		return nil, loadError("game", err)
	}
	members, err := r.deps.Store.GroupMembers(ctx, game.GroupID)
	if err != nil {
		return nil, loadError("group members", err)
	}
	s.UpdateConfig(*game, members)
	return s, nil
}

// Refreshed is Reload for callers that must not act on stale configuration,
// such as joins and round starts. When the store is unreachable an already
// loaded session is returned as it is.
func (r *Registry) Refreshed(ctx context.Context, gameID int64) (*Session, error) {
	s, err := r.Reload(ctx, gameID)
	if err == nil {
		return s, nil
	}
	cached, ok := r.Lookup(gameID)
	if !ok || apperr.KindOf(err) != apperr.KindCollaborator {
		return nil, err
	}
	log.Warn().
		Err(err).
		Int64("game_id", gameID).
		Msg("using cached game configuration")
	return cached, nil
}

// Len returns the number of loaded sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops the timers of every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	log.Info().Int("sessions", len(sessions)).Msg("round sessions stopped")
}

func (r *Registry) load(ctx context.Context, gameID int64) (*models.GameConfig, []int64, []models.AccessCode, error) {
	game, err := r.deps.Store.GameConfig(ctx, gameID)
	if err != nil {
		return nil, nil, nil, loadError("game", err)
	}
	members, err := r.deps.Store.GroupMembers(ctx, game.GroupID)
	if err != nil {
		return nil, nil, nil, loadError("group members", err)
	}
	codes, err := r.deps.Store.AccessCodes(ctx, gameID)
	if err != nil {
		return nil, nil, nil, loadError("access codes", err)
	}
	return game, members, codes, nil
}

func loadError(what string, err error) error {
	if apperr.KindOf(err) == apperr.KindNotFound {
		return apperr.NotFound("unknown " + what)
	}
	return apperr.Collaborator(fmt.Sprintf("failed to load %s", what), err)
}
