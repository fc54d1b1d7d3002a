// Package scoring owns the persistent per-worker score table and the global
// ranking derived from it. All mutation goes through one Updater so that the
// argsort invariant between scores and rankings holds for every reader.
package scoring

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
)

// DefaultMinAlpha is the moving-average learning rate for the best tier.
// Worse tiers interpolate from here toward 1 so the long tail adapts faster.
const DefaultMinAlpha = 0.025

// WeightsCap is the number of top-ranked workers receiving geometric
// incentive weights; everyone below shares a linearly decaying tail.
const WeightsCap = 7

// RankedWorker is one (worker, rank value) outcome of a scored round.
type RankedWorker struct {
	Worker    model.WorkerID
	RankValue float64
}

// Updater applies tiered, tie-aware moving-average updates to the score
// table and recomputes the ranking in the same critical section. It is the
// single writer of both arrays; readers get copies.
type Updater struct {
	mu       sync.RWMutex
	scores   []float64
	rankings []model.WorkerID

	minAlpha float64
	log      zerolog.Logger
	metrics  module.TournamentMetrics
}

// NewUpdater creates a score table of the given size with every worker
// unscored.
func NewUpdater(log zerolog.Logger, metrics module.TournamentMetrics, numWorkers int, minAlpha float64) *Updater {
	u := &Updater{
		scores:   make([]float64, numWorkers),
		minAlpha: minAlpha,
		log:      log.With().Str("component", "score_updater").Logger(),
		metrics:  metrics,
	}
	for i := range u.scores {
		u.scores[i] = model.Unscored()
	}
	u.rankings = argsort(u.scores)
	return u
}

// Restore replaces the table with persisted state. NaN and negative entries
// are coerced back to unscored rather than allowed into the ranking.
func (u *Updater) Restore(scores []float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.scores = make([]float64, len(scores))
	for i, score := range scores {
		if math.IsNaN(score) || score < 0 {
			u.log.Warn().Int("worker", i).Float64("score", score).
				Msg("coercing invalid persisted score to unscored")
			score = model.Unscored()
		}
		u.scores[i] = score
	}
	u.rankings = argsort(u.scores)
}

// Alpha returns the tier-dependent base learning rate. Tier 0 uses the
// configured minimum; the worst tier approaches 1.
func (u *Updater) Alpha(tierIndex, numTiers int) float64 {
	adjustment := (1 - u.minAlpha) / float64(max(numTiers-1, 1))
	return u.minAlpha + adjustment*float64(tierIndex)
}

// Update folds one round's rank values into the score table and recomputes
// the ranking atomically. bestPossible is the tier's lowest rank value, used
// to protect workers whose standing already beats anything the tier can
// award.
func (u *Updater) Update(batch []RankedWorker, bestPossible float64, tierIndex, numTiers int) {
	groupAlpha := u.Alpha(tierIndex, numTiers)

	// Count shared rank values up front; ties dilute the learning rate.
	tieCounts := make(map[float64]int, len(batch))
	for _, rw := range batch {
		if model.IsComparableRankValue(rw.RankValue) {
			tieCounts[rw.RankValue]++
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for _, rw := range batch {
		if !model.IsComparableRankValue(rw.RankValue) {
			continue
		}
		id := int(rw.Worker)
		if id < 0 || id >= len(u.scores) {
			u.log.Warn().Uint32("worker", uint32(rw.Worker)).Msg("rank value for unknown worker, skipping")
			continue
		}
		current := u.scores[id]

		if model.IsCorrupted(current) {
			u.log.Warn().Int("worker", id).Float64("score", current).
				Msg("resetting corrupted score to unscored")
			u.scores[id] = model.Unscored()
			continue
		}
		if current < bestPossible {
			// Spot-checked in a tier worse than its standing warrants.
			continue
		}

		alpha := groupAlpha
		if rw.RankValue > current {
			if tierIndex == 0 {
				alpha *= 2
			} else {
				alpha *= 1 + math.Pow(0.25, float64(tierIndex))
			}
		}
		alpha /= float64(max(tieCounts[rw.RankValue], 1))

		var updated float64
		if model.IsUnscored(current) {
			prior := math.Floor(float64(u.countFinite()) / 2)
			updated = alpha*rw.RankValue + (1-alpha)*prior
		} else {
			updated = alpha*rw.RankValue + (1-alpha)*current
		}

		u.log.Debug().Int("worker", id).
			Float64("rank_value", rw.RankValue).
			Float64("alpha", alpha).
			Float64("old_score", current).
			Float64("new_score", updated).
			Msg("score updated")
		u.scores[id] = updated
		u.metrics.ScoreUpdateApplied()
	}

	u.rankings = argsort(u.scores)
}

// Snapshot returns copies of the score table and the ranking, consistent
// with each other.
func (u *Updater) Snapshot() ([]float64, []model.WorkerID) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	scores := make([]float64, len(u.scores))
	copy(scores, u.scores)
	rankings := make([]model.WorkerID, len(u.rankings))
	copy(rankings, u.rankings)
	return scores, rankings
}

// Rankings returns a copy of the current best-to-worst worker ordering.
func (u *Updater) Rankings() []model.WorkerID {
	u.mu.RLock()
	defer u.mu.RUnlock()

	rankings := make([]model.WorkerID, len(u.rankings))
	copy(rankings, u.rankings)
	return rankings
}

// Score returns the current score for one worker.
func (u *Updater) Score(id model.WorkerID) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.scores[id]
}

// Size returns the registry size the table is tracking.
func (u *Updater) Size() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.scores)
}

// Resync reconciles the table with a fresh registry view. Slots whose
// identity changed are reset to unscored, and the table grows with unscored
// entries when the registry grew. previous holds the identity strings the
// table was built against, current the fresh ones.
func (u *Updater) Resync(previous, current []string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := 0; i < len(previous) && i < len(u.scores); i++ {
		if i < len(current) && previous[i] != current[i] {
			u.log.Info().Int("worker", i).Msg("identity replaced, resetting score")
			u.scores[i] = model.Unscored()
		}
	}
	for len(u.scores) < len(current) {
		u.scores = append(u.scores, model.Unscored())
	}
	u.rankings = argsort(u.scores)
}

// RawWeights computes the incentive weight for every worker, indexed by id.
// The top WeightsCap ranked workers with finite scores receive (1/2)^i. When
// more workers are active, the remainder get a linear tail whose integral
// equals the next geometric weight and which reaches zero at the last active
// worker.
func (u *Updater) RawWeights() []float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	n := len(u.scores)
	weights := make([]float64, n)

	assigned := 0
	for _, id := range u.rankings {
		if assigned >= WeightsCap {
			break
		}
		if model.IsUnscored(u.scores[id]) {
			continue
		}
		weights[id] = math.Pow(0.5, float64(assigned))
		assigned++
	}

	numActive := u.countFinite()
	if assigned < WeightsCap || assigned >= numActive {
		return weights
	}

	// Tail calibration: f(right) = 0 and the integral of f over
	// [left, right] equals the weight one step below the last geometric one.
	lastTopWeight := math.Pow(0.5, float64(min(WeightsCap, assigned)))
	left := float64(assigned)
	right := float64(numActive)
	m := -2 * lastTopWeight / ((right - left) * (right - left))
	b := -m * right

	for rank := assigned; rank < numActive && rank < n; rank++ {
		id := u.rankings[rank]
		if model.IsUnscored(u.scores[id]) {
			break
		}
		weights[id] = math.Max(0, m*float64(rank)+b)
	}
	return weights
}

// countFinite must be called with at least a read lock held.
func (u *Updater) countFinite() int {
	count := 0
	for _, score := range u.scores {
		if !math.IsInf(score, 0) && !math.IsNaN(score) {
			count++
		}
	}
	return count
}

// argsort returns worker ids ordered by ascending score; equal scores keep
// ascending id order so the permutation is deterministic.
func argsort(scores []float64) []model.WorkerID {
	rankings := make([]model.WorkerID, len(scores))
	for i := range rankings {
		rankings[i] = model.WorkerID(i)
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		return scores[rankings[i]] < scores[rankings[j]]
	})
	return rankings
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
