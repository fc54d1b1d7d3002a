// Package rewards scores batches of worker responses against their source
// document: structural validation first, then a semantic reward from
// embedding similarity, then multiplicative penalties.
package rewards

import (
	"context"
	"math"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
	"github.com/vectorchat/chunking-validator/utils/maths"
	"github.com/vectorchat/chunking-validator/utils/rand"
)

const (
	// defaultSampleBudget caps the number of sentence groups embedded per
	// response.
	defaultSampleBudget = 150
	// defaultConcurrency bounds in-flight embedding calls per response.
	defaultConcurrency = 8
	// sentencesPerSample is the number of consecutive sentences grouped into
	// one embedding sample.
	sentencesPerSample = 3
	// penaltyBase is the multiplicative decay applied per penalty point.
	penaltyBase = 2.0 / 3.0
	// rewardBase transforms the raw similarity sum into a positive reward.
	rewardBase = 1.01
)

// Config holds the tunables of the reward engine.
type Config struct {
	SampleBudget int
	Concurrency  int
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		SampleBudget: defaultSampleBudget,
		Concurrency:  defaultConcurrency,
	}
}

// Option overrides one engine tunable.
type Option func(*Config)

// WithSampleBudget sets the per-response embedding sample cap.
func WithSampleBudget(budget int) Option {
	return func(conf *Config) {
		conf.SampleBudget = budget
	}
}

// WithConcurrency sets the number of concurrent embedding calls.
func WithConcurrency(n int) Option {
	return func(conf *Config) {
		conf.Concurrency = n
	}
}

// Engine computes rewards for one round's responses. It is stateless across
// rounds and safe for concurrent use by overlapping rounds.
type Engine struct {
	log      zerolog.Logger
	conf     Config
	embedder module.EmbeddingClient
	splitter SentenceSplitter

	// sample shuffles the first m of n candidates into place; swapped for a
	// deterministic one in tests.
	sample func(n, m uint, swap func(i, j uint)) error
}

// New creates a reward engine using the given embedding client and sentence
// splitter.
func New(log zerolog.Logger, embedder module.EmbeddingClient, splitter SentenceSplitter, opts ...Option) *Engine {
	conf := DefaultConfig()
	for _, apply := range opts {
		apply(&conf)
	}
	return &Engine{
		log:      log.With().Str("component", "reward_engine").Logger(),
		conf:     conf,
		embedder: embedder,
		splitter: splitter,
		sample:   rand.Samples,
	}
}

// embedSample is one ~3-sentence excerpt of a chunk, tagged with the chunk
// it came from so pairwise similarity can reward cohesion and punish overlap.
type embedSample struct {
	chunkIndex int
	text       string
}

// ScoreAll scores every response in input order and returns parallel reward
// and breakdown slices.
func (e *Engine) ScoreAll(ctx context.Context, task *model.Task, responses []*model.Response, opts model.RewardOptions) ([]float64, []*model.RewardBreakdown) {
	rewards := make([]float64, len(responses))
	breakdowns := make([]*model.RewardBreakdown, len(responses))
	for i, response := range responses {
		rewards[i], breakdowns[i] = e.Score(ctx, task, response, opts)
	}
	return rewards, breakdowns
}

// Score computes the reward for a single response.
func (e *Engine) Score(ctx context.Context, task *model.Task, response *model.Response, opts model.RewardOptions) (float64, *model.RewardBreakdown) {
	breakdown := model.NewRewardBreakdown()

	if response.IsNull() || len(response.Chunks) == 0 {
		breakdown.Cause = model.CauseNoChunks
		return 0, breakdown
	}

	if opts.DoChecks {
		if cause := e.runChecks(task, response.Chunks); cause != "" {
			breakdown.Cause = cause
			return 0, breakdown
		}
	}

	samples := e.collectSamples(response.Chunks)
	breakdown.EmbedSampleCount = len(samples)

	raw, ok := e.similaritySum(ctx, samples)
	if !ok {
		breakdown.Cause = model.CauseEmbeddingFailure
		return 0, breakdown
	}

	reward := math.Pow(rewardBase, raw)
	breakdown.EmbeddingReward = reward

	if opts.DoPenalties {
		breakdown.SizePenalty = sizePenalty(task, response.Chunks)
		breakdown.QtyPenalty = qtyPenalty(task, response.Chunks)
		breakdown.TimePenalty = timePenalty(task, response.ProcessTime)
		reward *= breakdown.SizePenalty * breakdown.QtyPenalty * breakdown.TimePenalty
	}

	e.log.Debug().
		Uint32("worker", uint32(response.Worker)).
		Float64("raw_similarity", raw).
		Float64("reward", reward).
		Int("samples", len(samples)).
		Msg("response scored")

	return reward, breakdown
}

// runChecks returns the zero-reward cause of the first failed structural
// check, or "" when all pass.
func (e *Engine) runChecks(task *model.Task, chunks []string) string {
	for _, chunk := range chunks {
		if !ChunkWordsInDocument(chunk, task.Document) {
			return model.CauseWordMismatch
		}
	}
	if !WordCountMatches(task.Document, chunks) {
		return model.CauseIncompleteChunks
	}
	documentSentences := e.splitter.Split(task.Document)
	for _, chunk := range chunks {
		if !EndsOnSentenceBoundary(documentSentences, chunk) {
			return model.CauseSentenceBoundary
		}
	}
	return ""
}

// collectSamples splits each chunk into groups of consecutive sentences and
// subsamples down to the configured budget when there are too many.
func (e *Engine) collectSamples(chunks []string) []embedSample {
	var samples []embedSample
	for i, chunk := range chunks {
		sentences := e.splitter.Split(chunk)
		for j := 0; j < len(sentences); j += sentencesPerSample {
			end := j + sentencesPerSample
			if end > len(sentences) {
				end = len(sentences)
			}
			text := ""
			for k := j; k < end; k++ {
				if k > j {
					text += " "
				}
				text += sentences[k]
			}
			samples = append(samples, embedSample{chunkIndex: i, text: text})
		}
	}

	if len(samples) > e.conf.SampleBudget {
		err := e.sample(uint(len(samples)), uint(e.conf.SampleBudget), func(a, b uint) {
			samples[a], samples[b] = samples[b], samples[a]
		})
		if err != nil {
			// entropy exhaustion; scoring the full candidate set is still
			// correct, just more expensive
			e.log.Warn().Err(err).Msg("could not subsample embedding candidates")
		} else {
			samples = samples[:e.conf.SampleBudget]
		}
	}
	return samples
}

// similaritySum embeds all samples and sums pairwise dot products: positive
// for pairs from the same chunk, negative across chunks. It reports failure
// only when samples existed but none could be embedded.
func (e *Engine) similaritySum(ctx context.Context, samples []embedSample) (float64, bool) {
	if len(samples) == 0 {
		return 0, true
	}

	embeddings := make([][]float64, len(samples))
	failed := atomic.NewInt32(0)

	pool := workerpool.New(e.conf.Concurrency)
	for i := range samples {
		i := i
		pool.Submit(func() {
			vector, err := e.embedder.Embed(ctx, samples[i].text)
			if err != nil {
				e.log.Warn().Err(err).Int("sample", i).Msg("embedding call failed, dropping sample")
				failed.Inc()
				return
			}
			embeddings[i] = vector
		})
	}
	pool.StopWait()

	if int(failed.Load()) == len(samples) {
		return 0, false
	}

	sum := 0.0
	for i := 0; i < len(samples)-1; i++ {
		if embeddings[i] == nil {
			continue
		}
		for j := i + 1; j < len(samples); j++ {
			if embeddings[j] == nil {
				continue
			}
			dot := maths.Dot(embeddings[i], embeddings[j])
			if samples[i].chunkIndex == samples[j].chunkIndex {
				sum += dot
			} else {
				sum -= dot
			}
		}
	}
	return sum, true
}

// sizePenalty decays the reward for every chunk exceeding the task's chunk
// size, proportionally to the overshoot.
func sizePenalty(task *model.Task, chunks []string) float64 {
	exponent := 0.0
	for _, chunk := range chunks {
		if length := len(chunk); length > task.ChunkSize {
			exponent += (float64(length)/float64(task.ChunkSize) - 1) * 10
		}
	}
	return math.Pow(penaltyBase, exponent)
}

// qtyPenalty decays the reward when the response contains more chunks than
// the task allows.
func qtyPenalty(task *model.Task, chunks []string) float64 {
	if len(chunks) <= task.ChunkQty || task.ChunkQty <= 0 {
		return 1
	}
	extra := float64(len(chunks) - task.ChunkQty)
	exponent := extra / float64(task.ChunkQty) * 10
	return math.Pow(penaltyBase, exponent)
}

// timePenalty decays the reward geometrically per second past the soft
// process-time limit.
func timePenalty(task *model.Task, processTime float64) float64 {
	softMax := task.SoftMaxTime.Seconds()
	if processTime <= softMax {
		return 1
	}
	return math.Pow(penaltyBase, processTime-softMax)
}
