// Package accesscode tracks the join codes of one game. A Table is not safe
// for concurrent use; the owning round session serializes access to it.
package accesscode

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/apperr"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// MaxGenerateAttempts bounds the search for an unused code.
const MaxGenerateAttempts = 50

// Generator returns a candidate code. Tests swap it for a deterministic one.
type Generator func() string

// RandomCode returns a random 3-digit code.
func RandomCode() string {
	return fmt.Sprintf("%03d", rand.IntN(1000))
}

// Generate returns a code for which taken reports false, giving up after
// MaxGenerateAttempts candidates.
func Generate(gen Generator, taken func(string) bool) (string, error) {
	for range MaxGenerateAttempts {
		code := gen()
		if !taken(code) {
			return code, nil
		}
	}
	return "", apperr.Exhausted("could not generate a unique access code")
}

// Outcome says how a disconnect was treated.
type Outcome string

const (
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeLost         Outcome = "lost"
)

// Table holds the access codes of a single game.
type Table struct {
	gameID int64
	gen    Generator
	byTeam map[int64]*models.AccessCode
	byCode map[string]int64
	byConn map[string]int64
}

// NewTable indexes the stored codes of a game. Stored connection bindings are
// dropped since no connection survives a restart.
func NewTable(gameID int64, codes []models.AccessCode, gen Generator) *Table {
	if gen == nil {
		gen = RandomCode
	}
	t := &Table{
		gameID: gameID,
		gen:    gen,
		byTeam: make(map[int64]*models.AccessCode, len(codes)),
		byCode: make(map[string]int64, len(codes)),
		byConn: make(map[string]int64),
	}
	for _, c := range codes {
		c.GameID = gameID
		c.ConnectionID = ""
		if c.Status == models.CodeStatusActive {
			c.Status = models.CodeStatusAvailable
		}
		t.byTeam[c.TeamID] = &c
		t.byCode[c.Code] = c.TeamID
	}
	return t
}

// Get returns a copy of the team's code.
func (t *Table) Get(teamID int64) (models.AccessCode, bool) {
	c, ok := t.byTeam[teamID]
	if !ok {
		return models.AccessCode{}, false
	}
	return *c, true
}

// Lookup finds a code by its join string.
func (t *Table) Lookup(code string) (models.AccessCode, bool) {
	teamID, ok := t.byCode[code]
	if !ok {
		return models.AccessCode{}, false
	}
	return *t.byTeam[teamID], true
}

// TeamForConnection returns the team bound to connID.
func (t *Table) TeamForConnection(connID string) (int64, bool) {
	teamID, ok := t.byConn[connID]
	return teamID, ok
}

// All returns copies of every code ordered by team.
func (t *Table) All() []models.AccessCode {
	out := make([]models.AccessCode, 0, len(t.byTeam))
	for _, c := range t.byTeam {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

// Selected returns the ids of selected teams, ascending.
func (t *Table) Selected() []int64 {
	return t.filter(func(c *models.AccessCode) bool { return c.Selected })
}

// ConnectedSelected returns selected teams whose code is active.
func (t *Table) ConnectedSelected() []int64 {
	return t.filter(func(c *models.AccessCode) bool {
		return c.Selected && c.Status == models.CodeStatusActive
	})
}

func (t *Table) filter(keep func(*models.AccessCode) bool) []int64 {
	var ids []int64
	for id, c := range t.byTeam {
		if keep(c) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Issue creates a code for the team if it has none yet.
func (t *Table) Issue(teamID int64) (models.AccessCode, bool, error) {
	if c, ok := t.byTeam[teamID]; ok {
		return *c, false, nil
	}
	code, err := Generate(t.gen, t.taken)
	if err != nil {
		return models.AccessCode{}, false, err
	}
	c := &models.AccessCode{
		GameID: t.gameID,
		TeamID: teamID,
		Code:   code,
		Status: models.CodeStatusAvailable,
	}
	t.byTeam[teamID] = c
	t.byCode[code] = teamID
	return *c, true, nil
}

func (t *Table) taken(code string) bool {
	_, ok := t.byCode[code]
	return ok
}

// Join binds connID to the code. Re-joining with the same connection is allowed.
func (t *Table) Join(code, connID string, now time.Time) (models.AccessCode, error) {
	teamID, ok := t.byCode[code]
	if !ok {
		return models.AccessCode{}, apperr.NotFound("unknown code")
	}
	c := t.byTeam[teamID]

	switch {
	case c.Status == models.CodeStatusDisabled:
		return models.AccessCode{}, apperr.Conflict("code disabled")
	case c.Bound() && c.ConnectionID != connID:
		return models.AccessCode{}, apperr.Conflict("code already in use")
	case c.Status == models.CodeStatusUsed:
		return models.AccessCode{}, apperr.Conflict("code already used")
	}

	if prev, ok := t.byConn[connID]; ok && prev != teamID {
		return models.AccessCode{}, apperr.Conflict("connection already joined with another code")
	}

	connectedAt := now
	c.ConnectionID = connID
	c.ConnectedAt = &connectedAt
	c.Status = models.CodeStatusActive
	t.byConn[connID] = teamID
	return *c, nil
}

// Release unbinds connID. A team that may play offline, or one that drops
// outside a live server-timed round, can come back. Anyone else is marked used.
func (t *Table) Release(connID string, liveServerTimed bool) (models.AccessCode, Outcome, bool) {
	teamID, ok := t.byConn[connID]
	if !ok {
		return models.AccessCode{}, "", false
	}
	delete(t.byConn, connID)

	c := t.byTeam[teamID]
	c.ConnectionID = ""

	outcome := OutcomeDisconnected
	switch {
	case c.OfflineAllowed:
		c.Status = models.CodeStatusAvailable
	case liveServerTimed:
		c.Status = models.CodeStatusUsed
		outcome = OutcomeLost
	default:
		c.Status = models.CodeStatusAvailable
	}
	return *c, outcome, true
}

// Reset gives the team a fresh code, returning the connection that held the old one.
func (t *Table) Reset(teamID int64) (models.AccessCode, string, error) {
	c, ok := t.byTeam[teamID]
	if !ok {
		return models.AccessCode{}, "", apperr.NotFound("no access code for participant")
	}

	code, err := Generate(t.gen, t.taken)
	if err != nil {
		return models.AccessCode{}, "", err
	}

	kicked := c.ConnectionID
	if kicked != "" {
		delete(t.byConn, kicked)
	}
	delete(t.byCode, c.Code)

	c.Code = code
	c.ConnectionID = ""
	c.ConnectedAt = nil
	c.Status = models.CodeStatusAvailable
	c.ClearReaction()
	t.byCode[code] = teamID
	return *c, kicked, nil
}

// SetSelected flags the team as taking part in the next rounds.
func (t *Table) SetSelected(teamID int64, selected bool) (models.AccessCode, error) {
	return t.update(teamID, func(c *models.AccessCode) { c.Selected = selected })
}

// SetOfflineAllowed changes whether the team may play without a connection.
func (t *Table) SetOfflineAllowed(teamID int64, allowed bool) (models.AccessCode, error) {
	return t.update(teamID, func(c *models.AccessCode) { c.OfflineAllowed = allowed })
}

// SetDisabled disables or re-enables the code. Disabling unbinds any
// connection, which is returned so the caller can close it.
func (t *Table) SetDisabled(teamID int64, disabled bool) (models.AccessCode, string, error) {
	var kicked string
	c, err := t.update(teamID, func(c *models.AccessCode) {
		if disabled {
			kicked = c.ConnectionID
			if kicked != "" {
				delete(t.byConn, kicked)
			}
			c.ConnectionID = ""
			c.Status = models.CodeStatusDisabled
			return
		}
		if c.Status == models.CodeStatusDisabled {
			c.Status = models.CodeStatusAvailable
		}
	})
	return c, kicked, err
}

// RecordPress stores the reaction data of a press on the team's code.
func (t *Table) RecordPress(teamID int64, pressedAt time.Time, reactionMs int64) (models.AccessCode, bool) {
	c, ok := t.byTeam[teamID]
	if !ok {
		return models.AccessCode{}, false
	}
	at, rt := pressedAt, reactionMs
	c.PressedAt = &at
	c.ReactionTimeMs = &rt
	return *c, true
}

// ClearReactions wipes press data for the given teams. Only codes that
// changed are returned.
func (t *Table) ClearReactions(teamIDs []int64) []models.AccessCode {
	var changed []models.AccessCode
	for _, id := range teamIDs {
		if c, ok := t.byTeam[id]; ok && wipe(c) {
			changed = append(changed, *c)
		}
	}
	return changed
}

// ClearAllReactions wipes press data for every team of the game.
func (t *Table) ClearAllReactions() []models.AccessCode {
	var changed []models.AccessCode
	for _, c := range t.byTeam {
		if wipe(c) {
			changed = append(changed, *c)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].TeamID < changed[j].TeamID })
	return changed
}

func wipe(c *models.AccessCode) bool {
	if c.PressedAt == nil && c.ReactionTimeMs == nil {
		return false
	}
	c.ClearReaction()
	return true
}

func (t *Table) update(teamID int64, fn func(*models.AccessCode)) (models.AccessCode, error) {
	c, ok := t.byTeam[teamID]
	if !ok {
		return models.AccessCode{}, apperr.NotFound("no access code for participant")
	}
	fn(c)
	return *c, nil
}
