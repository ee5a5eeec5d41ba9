// Package timing turns raw timestamps into reaction times and points.
// Everything here is pure; callers own the clock.
package timing

import "github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"

const (
	// MsPerPoint is how long it takes to lose one point.
	MsPerPoint = 100
	// LatePenaltyMs is added to the time budget for presses that never came.
	LatePenaltyMs = 100
	// TimeoutGraceMs is the slack between the time budget and the timeout timer.
	TimeoutGraceMs = 500
)

// MaxTimeMs is the time budget implied by a game's maximum points.
func MaxTimeMs(maxPoints int) int64 {
	if maxPoints < 0 {
		return 0
	}
	return int64(maxPoints) * MsPerPoint
}

// TimeoutReactionMs is the reaction time recorded for a team that timed out.
func TimeoutReactionMs(maxTimeMs int64) int64 {
	return maxTimeMs + LatePenaltyMs
}

// ReactionTime measures a press against goTime, all values in epoch
// milliseconds. In client mode a reported press instant wins over the server
// receive instant. The result is clamped to [0, maxTimeMs+LatePenaltyMs].
func ReactionTime(goTime int64, mode models.TimingMode, reported *int64, serverReceive, maxTimeMs int64) int64 {
	pressed := serverReceive
	if mode == models.TimingModeClient && reported != nil {
		pressed = *reported
	}
	return Clamp(pressed-goTime, maxTimeMs)
}

// Clamp bounds a reaction time to [0, maxTimeMs+LatePenaltyMs].
func Clamp(reactionMs, maxTimeMs int64) int64 {
	if reactionMs < 0 {
		return 0
	}
	if upper := TimeoutReactionMs(maxTimeMs); reactionMs > upper {
		return upper
	}
	return reactionMs
}

// Points awards one point less per elapsed MsPerPoint, never below zero and
// never above maxPoints.
func Points(maxPoints int, reactionMs int64) int {
	if maxPoints <= 0 {
		return 0
	}
	if reactionMs < 0 {
		reactionMs = 0
	}
	lost := reactionMs / MsPerPoint
	if lost >= int64(maxPoints) {
		return 0
	}
	return maxPoints - int(lost)
}

// TimeoutDelayMs is how long after round start the timeout timer fires.
func TimeoutDelayMs(countdownSeconds int, maxTimeMs int64) int64 {
	return int64(countdownSeconds)*1000 + maxTimeMs + TimeoutGraceMs
}
