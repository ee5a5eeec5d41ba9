package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/auth"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// StateStore provides the standings and round history served over HTTP.
type StateStore interface {
	GroupLeaderboard(ctx context.Context, groupID int64) ([]models.Standing, error)
	RecomputeGroupTotals(ctx context.Context, groupID int64) (map[int64]int, error)
	EventLog(ctx context.Context, gameID int64, limit int) ([]models.EventLogEntry, error)
}

// StateHandler serves round snapshots, leaderboards and server time.
type StateHandler struct {
	registry *round.Registry
	store    StateStore
	tokens   auth.Service
	clock    clockwork.Clock
}

func NewStateHandler(registry *round.Registry, store StateStore, tokens auth.Service, clock clockwork.Clock) *StateHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateHandler{
		registry: registry,
		store:    store,
		tokens:   tokens,
		clock:    clock,
	}
}

type timeResponse struct {
	ServerTime int64 `json:"server_time"`
}

type totalsResponse struct {
	GroupID int64             `json:"group_id"`
	Totals  map[string]int    `json:"totals"`
	Ranking []models.Standing `json:"ranking"`
}

type errorResponse struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// HandleTime handles GET /api/time
func (h *StateHandler) HandleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeResponse{ServerTime: h.clock.Now().UnixMilli()})
}

// HandleGetRound handles GET /api/games/{gameID}/round
func (h *StateHandler) HandleGetRound(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathID(r, "gameID")
	if err != nil {
		writeError(w, err)
		return
	}

	s, err := h.registry.Session(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// HandleGetEventLog handles GET /api/games/{gameID}/log. It needs a moderator
// bearer token and returns the newest entries first.
func (h *StateHandler) HandleGetEventLog(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r); err != nil {
		writeError(w, err)
		return
	}

	gameID, err := pathID(r, "gameID")
	if err != nil {
		writeError(w, err)
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLogLimit {
			writeError(w, apperr.Validation(fmt.Sprintf("limit must be between 1 and %d", maxLogLimit)))
			return
		}
	}

	// Unknown games are a 404 rather than an empty log.
	if _, err := h.registry.Session(r.Context(), gameID); err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.store.EventLog(r.Context(), gameID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGetLeaderboard handles GET /api/groups/{groupID}/leaderboard
func (h *StateHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "groupID")
	if err != nil {
		writeError(w, err)
		return
	}

	standings, err := h.store.GroupLeaderboard(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standings)
}

// HandleRecompute handles POST /api/groups/{groupID}/recompute. It needs a
// moderator bearer token.
func (h *StateHandler) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}

	groupID, err := pathID(r, "groupID")
	if err != nil {
		writeError(w, err)
		return
	}

	totals, err := h.store.RecomputeGroupTotals(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	standings, err := h.store.GroupLeaderboard(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Int64("group_id", groupID).
		Str("actor", claims.Name).
		Int("teams", len(totals)).
		Msg("group totals recomputed")

	resp := totalsResponse{
		GroupID: groupID,
		Totals:  make(map[string]int, len(totals)),
		Ranking: standings,
	}
	for teamID, total := range totals {
		resp.Totals[strconv.FormatInt(teamID, 10)] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StateHandler) authorize(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, apperr.Authorization("missing bearer token")
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		return nil, errInvalidToken
	}
	if !claims.Role.Moderator() {
		return nil, errModeratorOnly
	}
	return claims, nil
}

// RegisterRoutes mounts the REST endpoints on r.
func (h *StateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/time", h.HandleTime)
		r.Get("/games/{gameID}/round", h.HandleGetRound)
		r.Get("/games/{gameID}/log", h.HandleGetEventLog)
		r.Get("/groups/{groupID}/leaderboard", h.HandleGetLeaderboard)
		r.Post("/groups/{groupID}/recompute", h.HandleRecompute)
	})
}

// WebSocketHandler upgrades GET /ws requests. Clients identify themselves
// with a join message once the socket is open.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The upgrader has already answered the client when this fails.
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		log.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats handles GET /ws/stats
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.Stats())
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid " + param)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "internal"
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Kind: kind, Reason: apperr.ReasonOf(err)})
}
