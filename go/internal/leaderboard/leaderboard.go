// Package leaderboard turns per-game scores into group totals.
package leaderboard

import (
	"sort"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

// Game holds what aggregation needs to know about one game of a group.
type Game struct {
	ID     int64
	Scores []models.GameScore
	Rules  []models.ScoringRule
}

// CompetitionRanks assigns standard competition ranks to scores that are
// already sorted in descending order: 10,10,8 ranks as 1,1,3.
func CompetitionRanks(sorted []int) []int {
	ranks := make([]int, len(sorted))
	for i, score := range sorted {
		if i > 0 && score == sorted[i-1] {
			ranks[i] = ranks[i-1]
			continue
		}
		ranks[i] = i + 1
	}
	return ranks
}

// PointsForPlace looks up the exact place first and then the catch-all rule.
func PointsForPlace(rules []models.ScoringRule, place int) int {
	other, hasOther := 0, false
	for _, r := range rules {
		if r.Place == place {
			return r.Points
		}
		if r.Place == models.OtherPlace {
			other, hasOther = r.Points, true
		}
	}
	if hasOther {
		return other
	}
	return 0
}

// Aggregate computes every member's total across games. Scores of teams that
// are not members are ignored, and games without scores or without a scoring
// table are skipped. The result always has an entry per member.
func Aggregate(members []int64, games []Game) map[int64]int {
	totals := make(map[int64]int, len(members))
	for _, id := range members {
		totals[id] = 0
	}

	for _, g := range games {
		if len(g.Rules) == 0 {
			continue
		}

		scores := make([]models.GameScore, 0, len(g.Scores))
		for _, s := range g.Scores {
			if _, ok := totals[s.TeamID]; ok {
				scores = append(scores, s)
			}
		}
		if len(scores) == 0 {
			continue
		}

		sort.SliceStable(scores, func(i, j int) bool {
			if scores[i].Score != scores[j].Score {
				return scores[i].Score > scores[j].Score
			}
			return scores[i].TeamID < scores[j].TeamID
		})

		values := make([]int, len(scores))
		for i, s := range scores {
			values[i] = s.Score
		}
		for i, rank := range CompetitionRanks(values) {
			totals[scores[i].TeamID] += PointsForPlace(g.Rules, rank)
		}
	}

	return totals
}

// Rank orders standings by total descending and then by team name.
func Rank(standings []models.Standing) {
	sort.SliceStable(standings, func(i, j int) bool {
		if standings[i].Total != standings[j].Total {
			return standings[i].Total > standings[j].Total
		}
		return standings[i].TeamName < standings[j].TeamName
	})
}
