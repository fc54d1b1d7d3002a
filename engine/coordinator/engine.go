// Package coordinator runs the tournament loop: it schedules synthetic
// rounds, drains organic tasks, dispatches the selected group, scores and
// ranks the responses, folds the outcome into the persistent score table and
// publishes incentive weights to the ledger.
package coordinator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/vectorchat/chunking-validator/auth"
	"github.com/vectorchat/chunking-validator/engine"
	"github.com/vectorchat/chunking-validator/engine/fifoqueue"
	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
	"github.com/vectorchat/chunking-validator/relay"
	"github.com/vectorchat/chunking-validator/storage"
	"github.com/vectorchat/chunking-validator/tournament/grouping"
	"github.com/vectorchat/chunking-validator/tournament/ranking"
	"github.com/vectorchat/chunking-validator/tournament/rewards"
	"github.com/vectorchat/chunking-validator/tournament/scoring"
	"github.com/vectorchat/chunking-validator/utils/rand"
)

// Config holds the coordinator tunables.
type Config struct {
	// BaseGroupSize is the size of the best tier; must be even and >= 2.
	BaseGroupSize int
	// RoundInterval is the cadence of synthetic rounds.
	RoundInterval time.Duration
	// QueryTimeout is the shared per-round dispatch deadline.
	QueryTimeout time.Duration
	// OrganicPollInterval is how often the submission API is asked for work.
	OrganicPollInterval time.Duration
	// OrganicQueueCapacity bounds buffered organic tasks; overflow is dropped.
	OrganicQueueCapacity int
	// WeightsInterval is the cadence of incentive weight publication.
	WeightsInterval time.Duration
	// ResyncInterval is the cadence of registry reconciliation.
	ResyncInterval time.Duration
	// CollaboratorTimeout bounds one ledger or telemetry interaction.
	CollaboratorTimeout time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		BaseGroupSize:        2,
		RoundInterval:        30 * time.Second,
		QueryTimeout:         model.DefaultTimeout,
		OrganicPollInterval:  5 * time.Second,
		OrganicQueueCapacity: 64,
		WeightsInterval:      20 * time.Minute,
		ResyncInterval:       5 * time.Minute,
		CollaboratorTimeout:  30 * time.Second,
	}
}

// RoundRequest describes one round to run. Zero-value toggles give a normal
// scored round against a random tier.
type RoundRequest struct {
	Task *model.Task
	// TierIndex selects a specific tier; negative picks one at random.
	TierIndex int
	// Workers, when non-empty, bypasses tiering and queries exactly these
	// workers. Their results never fold into the score table.
	Workers []model.WorkerID
	Options model.RewardOptions
	// DoScoring folds the round into scores and rankings; disabled for
	// benchmark rounds that only want chunk results.
	DoScoring bool
}

// RoundResult carries everything one round produced, in group member order.
type RoundResult struct {
	Group      *model.Group
	Responses  []*model.Response
	Rewards    []float64
	Breakdowns []*model.RewardBreakdown
	LocalRanks []int
	RankValues map[model.WorkerID]float64
}

// Engine is the tournament coordinator. It owns the round loops; all score
// mutation funnels through the injected updater.
type Engine struct {
	unit    *engine.Unit
	log     zerolog.Logger
	metrics module.TournamentMetrics
	conf    Config
	me      module.Local

	updater  *scoring.Updater
	rewarder *rewards.Engine
	relay    *relay.Relay // nil disables fingerprinting

	transport module.WorkerTransport
	ledger    module.LedgerClient
	taskAPI   module.TaskAPI         // nil disables organic rounds
	source    module.DocumentSource
	telemetry module.Telemetry // nil disables round artifacts
	states    *storage.States

	mu         sync.RWMutex
	identities model.IdentityList
	sourcePool []int64

	step          *atomic.Uint64
	organicQueue  *fifoqueue.FifoQueue
	organicNotify chan struct{}
	fatal         chan error
}

// New creates the coordinator, restoring persisted state when present. A
// persisted blob from a different schema version is a hard error.
func New(
	log zerolog.Logger,
	metrics module.TournamentMetrics,
	conf Config,
	me module.Local,
	updater *scoring.Updater,
	rewarder *rewards.Engine,
	rel *relay.Relay,
	transport module.WorkerTransport,
	ledger module.LedgerClient,
	taskAPI module.TaskAPI,
	source module.DocumentSource,
	telemetry module.Telemetry,
	states *storage.States,
	identities model.IdentityList,
) (*Engine, error) {

	organicQueue, err := fifoqueue.NewFifoQueue(fifoqueue.WithCapacity(conf.OrganicQueueCapacity))
	if err != nil {
		return nil, fmt.Errorf("could not create organic task queue: %w", err)
	}

	e := &Engine{
		unit:          engine.NewUnit(),
		log:           log.With().Str("engine", "coordinator").Logger(),
		metrics:       metrics,
		conf:          conf,
		me:            me,
		updater:       updater,
		rewarder:      rewarder,
		relay:         rel,
		transport:     transport,
		ledger:        ledger,
		taskAPI:       taskAPI,
		source:        source,
		telemetry:     telemetry,
		states:        states,
		identities:    identities,
		step:          atomic.NewUint64(0),
		organicQueue:  organicQueue,
		organicNotify: make(chan struct{}, 1),
		fatal:         make(chan error, 1),
	}

	state, err := states.Load()
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Info().Int("workers", len(identities)).Msg("no persisted state, starting fresh")
		state = model.NewState(len(identities))
		state.Identities = identities.Addresses()
	} else if err != nil {
		return nil, fmt.Errorf("could not restore state: %w", err)
	}

	updater.Restore(state.Scores)
	updater.Resync(state.Identities, identities.Addresses())
	e.step.Store(state.Step)
	e.sourcePool = state.SourcePool

	return e, nil
}

// Ready starts the round loops and returns the unit's ready channel.
func (e *Engine) Ready() <-chan struct{} {
	e.unit.LaunchPeriodically(e.runSyntheticRound, e.conf.RoundInterval, e.conf.RoundInterval)
	e.unit.LaunchPeriodically(e.publishWeights, e.conf.WeightsInterval, e.conf.WeightsInterval)
	e.unit.LaunchPeriodically(e.resyncRegistry, e.conf.ResyncInterval, e.conf.ResyncInterval)
	if e.taskAPI != nil {
		e.unit.LaunchPeriodically(e.pollOrganic, e.conf.OrganicPollInterval, 0)
		e.unit.Launch(e.processOrganicLoop)
	}
	return e.unit.Ready()
}

// Done stops the loops, saves the final state and returns the done channel.
func (e *Engine) Done() <-chan struct{} {
	return e.unit.Done(func() {
		if err := e.saveState(); err != nil {
			e.log.Error().Err(err).Msg("could not save state on shutdown")
		}
	})
}

// Fatal delivers at most one unrecoverable error, such as losing our ledger
// registration. The process must not keep querying after receiving one.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// Step returns the number of completed synthetic rounds.
func (e *Engine) Step() uint64 {
	return e.step.Load()
}

// Rankings exposes the current best-to-worst worker ordering.
func (e *Engine) Rankings() []model.WorkerID {
	return e.updater.Rankings()
}

// Groups exposes the tiering implied by the current ranking.
func (e *Engine) Groups() ([]*model.Group, error) {
	return grouping.CreateGroups(e.updater.Rankings(), e.conf.BaseGroupSize)
}

// RunRound executes one round end to end and returns its outcome. It is
// safe to run rounds concurrently; score updates serialize in the updater.
func (e *Engine) RunRound(ctx context.Context, req *RoundRequest) (*RoundResult, error) {
	start := time.Now()
	e.metrics.RoundStarted(string(req.Task.Type))

	if e.relay != nil && req.Task.ContentID == "" {
		contentID, err := e.relay.Publish(ctx, req.Task.Document)
		if err != nil {
			// fingerprinting is best-effort; the round proceeds without it
			e.log.Warn().Err(err).Msg("could not publish document fingerprint")
		} else {
			req.Task.ContentID = contentID
		}
	}

	group, numGroups, err := e.selectGroup(req)
	if err != nil {
		return nil, err
	}

	responses, causes := e.dispatch(ctx, req.Task, group.Members)

	rewardValues, breakdowns := e.rewarder.ScoreAll(ctx, req.Task, responses, req.Options)
	for i, cause := range causes {
		if cause != "" {
			rewardValues[i] = 0
			breakdowns[i].Cause = cause
		}
	}

	evaluated := make([]ranking.Evaluated, len(responses))
	for i := range responses {
		evaluated[i] = ranking.Evaluated{Response: responses[i], Reward: rewardValues[i]}
	}
	localRanks := ranking.RankLocal(evaluated)
	rankValues := ranking.RankValues(group, evaluated, localRanks, e.isUnscored)

	if req.DoScoring && group.Index >= 0 {
		batch := make([]scoring.RankedWorker, 0, len(rankValues))
		for worker, value := range rankValues {
			batch = append(batch, scoring.RankedWorker{Worker: worker, RankValue: value})
		}
		e.updater.Update(batch, group.BestRankValue(), group.Index, numGroups)
	}

	result := &RoundResult{
		Group:      group,
		Responses:  responses,
		Rewards:    rewardValues,
		Breakdowns: breakdowns,
		LocalRanks: localRanks,
		RankValues: rankValues,
	}

	if e.telemetry != nil {
		artifact := e.buildArtifact(req, result, numGroups)
		e.unit.Launch(func() {
			ctx, cancel := context.WithTimeout(e.unit.Ctx(), e.conf.CollaboratorTimeout)
			defer cancel()
			if err := e.telemetry.EmitRound(ctx, artifact); err != nil {
				e.log.Warn().Err(err).Msg("could not emit round artifact")
			}
		})
	}

	e.metrics.RoundCompleted(string(req.Task.Type), time.Since(start))
	e.log.Info().
		Str("task_type", string(req.Task.Type)).
		Int("group_index", group.Index).
		Int("group_size", len(group.Members)).
		Dur("duration", time.Since(start)).
		Msg("round completed")

	return result, nil
}

// selectGroup resolves the round request to a concrete worker group.
func (e *Engine) selectGroup(req *RoundRequest) (*model.Group, int, error) {
	if len(req.Workers) > 0 {
		return customGroup(req.Workers), 0, nil
	}

	groups, err := grouping.CreateGroups(e.updater.Rankings(), e.conf.BaseGroupSize)
	if err != nil {
		return nil, 0, fmt.Errorf("could not create groups: %w", err)
	}

	if req.TierIndex >= 0 {
		if req.TierIndex >= len(groups) {
			return nil, 0, fmt.Errorf("tier index %d out of range (%d tiers)", req.TierIndex, len(groups))
		}
		return groups[req.TierIndex], len(groups), nil
	}

	index, err := rand.Uintn(uint(len(groups)))
	if err != nil {
		return nil, 0, fmt.Errorf("could not pick random tier: %w", err)
	}
	return groups[int(index)], len(groups), nil
}

// customGroup wraps an explicit worker set. Its rank values are not globally
// comparable, so the updater will skip every member.
func customGroup(workers []model.WorkerID) *model.Group {
	values := make([]float64, len(workers))
	for i := range values {
		values[i] = model.RankValueNotComparable()
	}
	return &model.Group{
		Index:      -1,
		Members:    append([]model.WorkerID(nil), workers...),
		RankValues: values,
	}
}

// dispatch queries every group member concurrently under one shared timeout.
// Each worker receives its own signed envelope (fresh nonce, receiver-bound
// transport signature, task payload signature). Workers that error, time out
// or fail response signature verification are recorded as null responses;
// the parallel causes slice carries the reason for signature failures.
func (e *Engine) dispatch(ctx context.Context, task *model.Task, members []model.WorkerID) ([]*model.Response, []string) {
	responses := make([]*model.Response, len(members))
	causes := make([]string, len(members))
	docHash := sha256.Sum256([]byte(task.Document))

	dispatchCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	var errMu sync.Mutex
	var dispatchErrs *multierror.Error

	var g errgroup.Group
	for i, id := range members {
		i, id := i, id
		g.Go(func() error {
			identity := e.identity(id)
			if identity == nil {
				responses[i] = model.NullResponse(id)
				return nil
			}

			request, err := auth.SignTaskRequest(e.me, task, identity.Address)
			if err != nil {
				errMu.Lock()
				dispatchErrs = multierror.Append(dispatchErrs, fmt.Errorf("worker %d: %w", id, err))
				errMu.Unlock()
				responses[i] = model.NullResponse(id)
				return nil
			}

			response, err := e.transport.Dispatch(dispatchCtx, identity, request)
			if err != nil {
				errMu.Lock()
				dispatchErrs = multierror.Append(dispatchErrs, fmt.Errorf("worker %d: %w", id, err))
				errMu.Unlock()
				responses[i] = model.NullResponse(id)
				return nil
			}
			response.Worker = id

			valid, err := auth.VerifyResponse(identity.PublicKey, response, task, docHash[:])
			if err != nil || !valid {
				responses[i] = model.NullResponse(id)
				causes[i] = model.CauseBadSignature
				return nil
			}

			responses[i] = response
			return nil
		})
	}
	_ = g.Wait()

	if err := dispatchErrs.ErrorOrNil(); err != nil {
		e.log.Debug().Err(err).Msg("some workers did not answer")
	}
	for _, response := range responses {
		e.metrics.ResponseReceived(response.IsNull())
	}
	return responses, causes
}

func (e *Engine) identity(id model.WorkerID) *model.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identities.ByID(id)
}

// isUnscored reports whether a worker holds no standing in the score table.
// Ids outside the table count as unscored.
func (e *Engine) isUnscored(id model.WorkerID) bool {
	if int(id) >= e.updater.Size() {
		return true
	}
	return model.IsUnscored(e.updater.Score(id))
}

// runSyntheticRound draws a document from the source pool and runs a fully
// scored round against a random tier.
func (e *Engine) runSyntheticRound() {
	ctx := e.unit.Ctx()

	task, err := e.nextSyntheticTask(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not build synthetic task")
		return
	}

	_, err = e.RunRound(ctx, &RoundRequest{
		Task:      task,
		TierIndex: -1,
		Options:   model.DefaultRewardOptions(),
		DoScoring: true,
	})
	if err != nil {
		e.log.Error().Err(err).Msg("synthetic round failed")
		return
	}

	e.step.Inc()
	if err := e.saveState(); err != nil {
		e.log.Error().Err(err).Msg("could not save state after round")
	}
}

// nextSyntheticTask pops a random document id from the source pool,
// refilling the pool from the document source when it runs dry.
func (e *Engine) nextSyntheticTask(ctx context.Context) (*model.Task, error) {
	id, err := e.popSourceID(ctx)
	if err != nil {
		return nil, err
	}
	document, err := e.source.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not fetch document %d: %w", id, err)
	}
	return model.NewSyntheticTask(document, id, e.conf.QueryTimeout), nil
}

func (e *Engine) popSourceID(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.sourcePool) == 0 {
		ids, err := e.source.ListIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("could not refresh source pool: %w", err)
		}
		e.sourcePool = ids
		e.log.Info().Int("documents", len(ids)).Msg("refreshed source pool")
	}
	if len(e.sourcePool) == 0 {
		return 0, fmt.Errorf("document source is empty")
	}

	index, err := rand.Uintn(uint(len(e.sourcePool)))
	if err != nil {
		return 0, fmt.Errorf("could not pick document: %w", err)
	}
	id := e.sourcePool[index]
	last := len(e.sourcePool) - 1
	e.sourcePool[index] = e.sourcePool[last]
	e.sourcePool = e.sourcePool[:last]
	return id, nil
}

// pollOrganic asks the submission API for work and buffers it for the
// process loop. A full queue drops the task; the API will hand it out again.
func (e *Engine) pollOrganic() {
	ctx, cancel := context.WithTimeout(e.unit.Ctx(), e.conf.CollaboratorTimeout)
	defer cancel()

	organic, err := e.taskAPI.GetNewTask(ctx)
	if errors.Is(err, module.ErrTaskUnavailable) {
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("could not poll organic task")
		return
	}

	if !e.organicQueue.Push(organic) {
		e.log.Warn().Msg("organic task queue full, dropping task")
		return
	}
	select {
	case e.organicNotify <- struct{}{}:
	default:
	}
}

// processOrganicLoop drains the organic queue, one round at a time.
func (e *Engine) processOrganicLoop() {
	for {
		select {
		case <-e.unit.Quit():
			return
		case <-e.organicNotify:
			for {
				item, ok := e.organicQueue.Pop()
				if !ok {
					break
				}
				e.processOrganic(item.(*module.OrganicTask))
			}
		}
	}
}

func (e *Engine) processOrganic(organic *module.OrganicTask) {
	ctx := e.unit.Ctx()

	scored := len(organic.Workers) == 0
	result, err := e.RunRound(ctx, &RoundRequest{
		Task:      organic.Task,
		TierIndex: -1,
		Workers:   organic.Workers,
		Options:   model.DefaultRewardOptions(),
		DoScoring: scored,
	})
	if err != nil {
		e.log.Error().Err(err).Int64("task_id", organic.Task.APITaskID).Msg("organic round failed")
		return
	}

	// Organic rounds mutate scores too; persist so a crash loses at most
	// the round in flight.
	if scored {
		if err := e.saveState(); err != nil {
			e.log.Error().Err(err).Msg("could not save state after organic round")
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.conf.CollaboratorTimeout)
	defer cancel()
	err = e.taskAPI.SubmitResponse(submitCtx, organic.Task.APITaskID, result.Responses)
	if err != nil {
		e.log.Warn().Err(err).Int64("task_id", organic.Task.APITaskID).Msg("could not submit organic responses")
	}
}

// publishWeights pushes the current incentive weights to the ledger under
// its own timeout, retrying transient failures. Failures never block the
// round loop; the next cycle publishes fresher weights anyway.
func (e *Engine) publishWeights() {
	ctx, cancel := context.WithTimeout(e.unit.Ctx(), e.conf.CollaboratorTimeout)
	defer cancel()

	weights := e.updater.RawWeights()

	backoff := retry.WithMaxRetries(3, retry.NewConstant(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.ledger.PublishWeights(ctx, weights); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("could not publish weights")
		return
	}
	e.metrics.WeightsPublished()
}

// resyncRegistry reconciles the identity list with the ledger. Replaced
// identities lose their score history; losing our own registration is fatal.
func (e *Engine) resyncRegistry() {
	ctx, cancel := context.WithTimeout(e.unit.Ctx(), e.conf.CollaboratorTimeout)
	defer cancel()

	registered, err := e.ledger.IsRegistered(ctx, e.me.Address())
	if err != nil {
		e.log.Warn().Err(err).Msg("could not check registration")
		return
	}
	if !registered {
		e.log.Error().Msg("coordinator is no longer registered")
		select {
		case e.fatal <- module.ErrNotRegistered:
		default:
		}
		return
	}

	registry, err := e.ledger.Registry(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not fetch registry")
		return
	}

	e.mu.Lock()
	previous := e.identities.Addresses()
	e.identities = registry
	e.mu.Unlock()

	e.updater.Resync(previous, registry.Addresses())
}

// saveState persists the current state as one atomic blob.
func (e *Engine) saveState() error {
	scores, rankings := e.updater.Snapshot()

	e.mu.RLock()
	identities := e.identities.Addresses()
	pool := append([]int64(nil), e.sourcePool...)
	e.mu.RUnlock()

	return e.states.Save(&model.State{
		Version:    model.StateVersion,
		Step:       e.step.Load(),
		Scores:     scores,
		Rankings:   rankings,
		Identities: identities,
		SourcePool: pool,
	})
}

// buildArtifact assembles the telemetry record of one finished round.
func (e *Engine) buildArtifact(req *RoundRequest, result *RoundResult, numGroups int) *model.RoundArtifact {
	group := result.Group

	var times []float64
	records := make([]model.WorkerRoundRecord, 0, len(result.Responses))
	for i, response := range result.Responses {
		record := model.WorkerRoundRecord{
			Worker:      response.Worker,
			Reward:      result.Rewards[i],
			ProcessTime: response.ProcessTime,
			LocalRank:   result.LocalRanks[i],
			RankValue:   result.RankValues[response.Worker],
			Breakdown:   result.Breakdowns[i],
		}
		if identity := e.identity(response.Worker); identity != nil {
			record.Address = identity.Address
		}
		if !response.IsNull() {
			times = append(times, response.ProcessTime)
			if compressed, err := model.CompressChunks(response.Chunks); err == nil {
				record.Chunks = compressed
			}
		}
		records = append(records, record)
	}

	mean, _ := stats.Mean(times)
	median, _ := stats.Median(times)

	alpha := 0.0
	if group.Index >= 0 {
		alpha = e.updater.Alpha(group.Index, numGroups)
	}

	return &model.RoundArtifact{
		Step:              e.step.Load(),
		TaskType:          req.Task.Type,
		DocumentHash:      relay.DocumentHash(req.Task.Document),
		ContentID:         req.Task.ContentID,
		GroupIndex:        group.Index,
		Alpha:             alpha,
		Records:           records,
		MeanProcessTime:   mean,
		MedianProcessTime: median,
	}
}
