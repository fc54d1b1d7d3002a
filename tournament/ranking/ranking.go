// Package ranking orders a group's evaluated responses and maps the resulting
// local ranks onto the group's tier-anchored rank values.
package ranking

import (
	"math"
	"sort"

	model "github.com/vectorchat/chunking-validator/model/tournament"
)

// rewardPrecision truncates rewards before comparison so that floating point
// noise below one millionth does not decide a round.
const rewardPrecision = 1e6

// Evaluated pairs a response with its computed reward for ranking.
type Evaluated struct {
	Response *model.Response
	Reward   float64
}

// truncate drops digits beyond the comparison precision, toward zero.
func truncate(reward float64) float64 {
	return math.Trunc(reward*rewardPrecision) / rewardPrecision
}

// RankLocal assigns each evaluated response a local rank within its group.
// Responses are ordered by truncated reward descending, then by process time
// ascending, then by worker id descending. Workers with zero reward are
// excluded from the ordering and get local rank -1; the remaining workers
// receive the dense ranks 0..k-1.
//
// The returned slice is parallel to the input.
func RankLocal(evaluated []Evaluated) []int {
	type entry struct {
		pos    int
		reward float64
		time   float64
		worker model.WorkerID
	}

	entries := make([]entry, 0, len(evaluated))
	for i, ev := range evaluated {
		if ev.Reward <= 0 {
			continue
		}
		entries = append(entries, entry{
			pos:    i,
			reward: truncate(ev.Reward),
			time:   ev.Response.ProcessTime,
			worker: ev.Response.Worker,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.reward != b.reward {
			return a.reward > b.reward
		}
		if a.time != b.time {
			return a.time < b.time
		}
		return a.worker > b.worker
	})

	ranks := make([]int, len(evaluated))
	for i := range ranks {
		ranks[i] = -1
	}
	for rank, e := range entries {
		ranks[e.pos] = rank
	}
	return ranks
}

// RankValues converts local ranks into tier-anchored rank values for the
// group. A worker with local rank r gets the group's r-th rank value. A
// worker that answered but earned zero reward gets the group's worst value,
// one past the last member's value, so a failed attempt still costs
// standing. That only applies to workers that already hold a score: for
// workers the isUnscored predicate reports as never scored, the value stays
// non-comparable, so a no-show cannot bootstrap a newcomer into the score
// table. Workers outside the group are simply absent from the returned map.
func RankValues(group *model.Group, evaluated []Evaluated, localRanks []int, isUnscored func(model.WorkerID) bool) map[model.WorkerID]float64 {
	values := make(map[model.WorkerID]float64, len(evaluated))
	worst := group.WorstRankValue()
	for i, ev := range evaluated {
		worker := ev.Response.Worker
		rank := localRanks[i]
		if rank < 0 {
			if isUnscored(worker) {
				values[worker] = model.RankValueNotComparable()
			} else {
				values[worker] = worst
			}
			continue
		}
		values[worker] = group.RankValues[rank]
	}
	return values
}
