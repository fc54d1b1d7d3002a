package tournament

import "math"

// Group is one tier of the tournament: a contiguous slice of the global
// ranking queried together. Groups are rebuilt from the current ranking
// every round and never persisted.
type Group struct {
	Index int
	// Members holds the worker ids covering ranking positions
	// [RankStart, RankEnd), best first.
	Members   []WorkerID
	RankStart int
	RankEnd   int
	// RankValues holds the tier-anchored rank value for each member
	// position. Strictly increasing within the group.
	RankValues []float64
}

// BestRankValue is the lowest (best) rank value attainable in this group.
func (g *Group) BestRankValue() float64 {
	if len(g.RankValues) == 0 {
		return math.Inf(1)
	}
	return g.RankValues[0]
}

// WorstRankValue is the rank value handed to members that answered but were
// beaten by every ranked member, one past the last position's value.
func (g *Group) WorstRankValue() float64 {
	if len(g.RankValues) == 0 {
		return math.Inf(1)
	}
	return g.RankValues[len(g.RankValues)-1] + 1
}

// Contains reports whether the worker is a member of this group.
func (g *Group) Contains(id WorkerID) bool {
	for _, member := range g.Members {
		if member == id {
			return true
		}
	}
	return false
}

// RankValueNotComparable marks a rank value that must not be folded into the
// global score table, used for custom worker sets that bypass tiering and
// for unscored non-answers.
func RankValueNotComparable() float64 {
	return math.Inf(1)
}

// IsComparableRankValue reports whether a rank value may be used as an EMA
// target.
func IsComparableRankValue(v float64) bool {
	return !math.IsInf(v, 1) && !math.IsNaN(v)
}
