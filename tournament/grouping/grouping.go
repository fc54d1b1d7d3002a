// Package grouping partitions the global ranking into overlapping,
// size-increasing tiers. Each round queries one tier, so well-ranked workers
// compete in small groups while the long tail is spot-checked in bulk.
package grouping

import (
	"fmt"
	"math/rand"

	model "github.com/vectorchat/chunking-validator/model/tournament"
)

// CreateGroups builds the tiering for the given ranking. baseSize must be an
// even number >= 2; it sets the size of the best tier, and every successive
// tier grows by its half-overlap with the previous one.
//
// Rank values give every position a tier-anchored effective rank on one
// continuous scale: tier 0 starts at 0, and each later tier starts at the
// midpoint between the previous tier's value at the overlap position and the
// last value two tiers back, increasing by 1 per position. This keeps scores
// earned in adjacent tiers comparable despite the different group sizes.
func CreateGroups(rankings []model.WorkerID, baseSize int) ([]*model.Group, error) {
	if baseSize < 2 || baseSize%2 != 0 {
		return nil, fmt.Errorf("base group size must be even and >= 2, got %d", baseSize)
	}
	n := len(rankings)
	if n == 0 {
		return nil, fmt.Errorf("empty rankings")
	}

	type span struct{ start, end int }
	var spans []span

	start := 0
	step := baseSize / 2
	for start < n-2*step {
		spans = append(spans, span{start, start + 2*step})
		start += step
		step++
	}
	// Merge any leftover tail into the last tier, or make it the sole tier.
	if start < n {
		if len(spans) > 0 {
			spans[len(spans)-1].end = n
		} else {
			spans = append(spans, span{0, n})
		}
	}

	groups := make([]*model.Group, len(spans))
	for i, sp := range spans {
		size := sp.end - sp.start

		startValue := 0.0
		if i > 0 {
			overlap := sp.start - spans[i-1].start
			v := groups[i-1].RankValues[overlap]
			w := 0.0
			if i > 1 {
				prev := groups[i-2].RankValues
				w = prev[len(prev)-1]
			}
			startValue = (v + w) / 2
		}

		values := make([]float64, size)
		members := make([]model.WorkerID, size)
		for j := 0; j < size; j++ {
			values[j] = startValue + float64(j)
			members[j] = rankings[sp.start+j]
		}

		groups[i] = &model.Group{
			Index:      i,
			Members:    members,
			RankStart:  sp.start,
			RankEnd:    sp.end,
			RankValues: values,
		}
	}

	return groups, nil
}

// PickRandom selects one group uniformly at random using the injected
// randomness source.
func PickRandom(groups []*model.Group, rng *rand.Rand) *model.Group {
	return groups[rng.Intn(len(groups))]
}

// FindContaining returns the first (best) group containing the given worker,
// or nil when the worker is not ranked.
func FindContaining(groups []*model.Group, id model.WorkerID) *model.Group {
	for _, group := range groups {
		if group.Contains(id) {
			return group
		}
	}
	return nil
}
