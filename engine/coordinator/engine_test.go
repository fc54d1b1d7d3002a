package coordinator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorchat/chunking-validator/auth"
	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
	"github.com/vectorchat/chunking-validator/module/local"
	"github.com/vectorchat/chunking-validator/module/metrics"
	"github.com/vectorchat/chunking-validator/storage"
	"github.com/vectorchat/chunking-validator/tournament/rewards"
	"github.com/vectorchat/chunking-validator/tournament/scoring"
	"github.com/vectorchat/chunking-validator/utils/unittest"
)

// stubTransport answers with a correctly signed single-chunk response for
// every worker, unless the worker is marked failing or tampering.
type stubTransport struct {
	mu        sync.Mutex
	signers   map[model.WorkerID]*local.Local
	verifiers map[model.WorkerID]*auth.Verifier
	issuerKey crypto.PublicKey
	times     map[model.WorkerID]float64
	fail      map[model.WorkerID]bool
	badSig    map[model.WorkerID]bool
	calls     []model.WorkerID
	requests  []*module.TaskRequest
}

func (t *stubTransport) Dispatch(_ context.Context, worker *model.Identity, request *module.TaskRequest) (*model.Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, worker.ID)
	t.requests = append(t.requests, request)
	t.mu.Unlock()

	if t.fail[worker.ID] {
		return nil, fmt.Errorf("connection refused")
	}

	// the worker side runs the full inbound handshake before answering
	signer := t.signers[worker.ID]
	err := auth.VerifyTaskRequest(t.verifiers[worker.ID], t.issuerKey, request, signer.Address())
	if err != nil {
		return nil, err
	}
	task := request.Task

	chunks := []string{task.Document}
	docHash := sha256.Sum256([]byte(task.Document))
	sig, err := auth.SignResponse(signer, task, docHash[:], chunks)
	if err != nil {
		return nil, err
	}
	if t.badSig[worker.ID] {
		sig[4] ^= 0xff
	}

	processTime := t.times[worker.ID]
	if processTime == 0 {
		processTime = 1.0
	}
	return &model.Response{
		Chunks:      chunks,
		ProcessTime: processTime,
		Signature:   sig,
	}, nil
}

type stubLedger struct {
	mu         sync.Mutex
	registry   model.IdentityList
	registered bool
	failures   int
	published  [][]float64
}

func (l *stubLedger) Registry(context.Context) (model.IdentityList, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry, nil
}

func (l *stubLedger) IsRegistered(_ context.Context, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered, nil
}

func (l *stubLedger) PublishWeights(_ context.Context, weights []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return fmt.Errorf("ledger busy")
	}
	l.published = append(l.published, append([]float64(nil), weights...))
	return nil
}

type stubTaskAPI struct {
	mu          sync.Mutex
	queue       []*module.OrganicTask
	submissions map[int64][]*model.Response
}

func (a *stubTaskAPI) GetNewTask(context.Context) (*module.OrganicTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil, module.ErrTaskUnavailable
	}
	task := a.queue[0]
	a.queue = a.queue[1:]
	return task, nil
}

func (a *stubTaskAPI) SubmitResponse(_ context.Context, taskID int64, responses []*model.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submissions == nil {
		a.submissions = make(map[int64][]*model.Response)
	}
	a.submissions[taskID] = responses
	return nil
}

type stubSource struct {
	docs map[int64]string
}

func (s *stubSource) ListIDs(context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *stubSource) Fetch(_ context.Context, id int64) (string, error) {
	doc, ok := s.docs[id]
	if !ok {
		return "", fmt.Errorf("unknown document %d", id)
	}
	return doc, nil
}

type stubTelemetry struct {
	mu        sync.Mutex
	artifacts []*model.RoundArtifact
}

func (t *stubTelemetry) EmitRound(_ context.Context, artifact *model.RoundArtifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.artifacts = append(t.artifacts, artifact)
	return nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{1, 0}, nil
}

type coordFixture struct {
	engine     *Engine
	me         *local.Local
	transport  *stubTransport
	ledger     *stubLedger
	taskAPI    *stubTaskAPI
	source     *stubSource
	telemetry  *stubTelemetry
	states     *storage.States
	identities model.IdentityList
}

func newCoordFixture(t *testing.T, db *badger.DB, numWorkers int) *coordFixture {
	log := zerolog.Nop()
	collector := metrics.NewNoopCollector()

	me := unittest.LocalFixture("coordinator")
	transport := &stubTransport{
		signers:   make(map[model.WorkerID]*local.Local),
		verifiers: make(map[model.WorkerID]*auth.Verifier),
		issuerKey: me.PublicKey(),
		times:     make(map[model.WorkerID]float64),
		fail:      make(map[model.WorkerID]bool),
		badSig:    make(map[model.WorkerID]bool),
	}
	identities := make(model.IdentityList, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		id := model.WorkerID(i)
		sk := unittest.PrivateKeyFixture()
		address := fmt.Sprintf("worker-%d", i)
		transport.signers[id] = local.New(address, sk)
		transport.verifiers[id] = auth.NewVerifier(log, collector, auth.DefaultAllowedDelta)
		identities = append(identities, &model.Identity{
			ID:        id,
			Address:   address,
			PublicKey: sk.PublicKey(),
		})
	}

	ledger := &stubLedger{registry: identities, registered: true}
	taskAPI := &stubTaskAPI{}
	source := &stubSource{docs: map[int64]string{
		1: unittest.DocumentFixture(),
		2: unittest.DocumentFixture(),
	}}
	telemetry := &stubTelemetry{}
	states := storage.NewStates(log, db)

	splitter, err := rewards.NewSentenceSplitter()
	require.NoError(t, err)

	updater := scoring.NewUpdater(log, collector, numWorkers, scoring.DefaultMinAlpha)
	rewarder := rewards.New(log, stubEmbedder{}, splitter)

	eng, err := New(
		log, collector, DefaultConfig(), me,
		updater, rewarder, nil,
		transport, ledger, taskAPI, source, telemetry,
		states, identities,
	)
	require.NoError(t, err)

	return &coordFixture{
		engine:     eng,
		me:         me,
		transport:  transport,
		ledger:     ledger,
		taskAPI:    taskAPI,
		source:     source,
		telemetry:  telemetry,
		states:     states,
		identities: identities,
	}
}

func tierRequest(tier int) *RoundRequest {
	return &RoundRequest{
		Task:      unittest.TaskFixture(),
		TierIndex: tier,
		Options:   model.DefaultRewardOptions(),
		DoScoring: true,
	}
}

func TestNewStartsFresh(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		assert.Equal(t, uint64(0), f.engine.Step())
		assert.Equal(t, []model.WorkerID{0, 1, 2, 3}, f.engine.Rankings())
		for i := 0; i < 4; i++ {
			assert.True(t, model.IsUnscored(f.engine.updater.Score(model.WorkerID(i))))
		}
	})
}

func TestNewRestoresPersistedState(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		first := newCoordFixture(t, db, 4)

		state := model.NewState(4)
		state.Step = 7
		state.Scores = []float64{1.5, 0.25, 3.0, model.Unscored()}
		state.Rankings = []model.WorkerID{1, 0, 2, 3}
		state.Identities = first.identities.Addresses()
		state.SourcePool = []int64{1, 2}
		require.NoError(t, first.states.Save(state))

		restored := newCoordFixture(t, db, 4)
		assert.Equal(t, uint64(7), restored.engine.Step())
		assert.Equal(t, []model.WorkerID{1, 0, 2, 3}, restored.engine.Rankings())
		assert.Equal(t, 0.25, restored.engine.updater.Score(1))
	})
}

func TestRunRoundScoresTier(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)
		f.transport.times[0] = 1.0
		f.transport.times[1] = 5.0

		result, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		assert.Equal(t, 0, result.Group.Index)
		assert.Equal(t, []model.WorkerID{0, 1}, result.Group.Members)

		// both chunked identically, so the faster worker ranks first
		assert.Equal(t, []int{0, 1}, result.LocalRanks)
		assert.Equal(t, 0.0, result.RankValues[0])
		assert.Equal(t, 1.0, result.RankValues[1])

		// tier 0 alpha folds the rank values into fresh scores
		assert.InDelta(t, 0.0, f.engine.updater.Score(0), 1e-12)
		assert.InDelta(t, 0.025, f.engine.updater.Score(1), 1e-12)
		assert.True(t, model.IsUnscored(f.engine.updater.Score(2)))
	})
}

func TestRunRoundTransportFailureGivesNull(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)
		f.transport.fail[1] = true

		result, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		assert.True(t, result.Responses[1].IsNull())
		assert.Equal(t, 0.0, result.Rewards[1])
		assert.Equal(t, model.CauseNoChunks, result.Breakdowns[1].Cause)
		// a worker with no standing yet cannot be ranked by a no-show: its
		// rank value stays non-comparable and it never enters the score table
		assert.False(t, model.IsComparableRankValue(result.RankValues[1]))
		assert.True(t, model.IsUnscored(f.engine.updater.Score(1)))
		assert.Equal(t, 0.0, f.engine.updater.RawWeights()[1])
	})
}

func TestRunRoundFailureWithStandingCostsWorstValue(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)

		// first round gives both tier members a score
		_, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)
		before := f.engine.updater.Score(1)
		require.False(t, model.IsUnscored(before))

		// once scored, a no-show lands past the worst in-group rank value
		f.transport.fail[1] = true
		result, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		assert.Equal(t, result.Group.WorstRankValue(), result.RankValues[1])
		assert.Greater(t, f.engine.updater.Score(1), before)
	})
}

func TestRunRoundRejectsBadSignature(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)
		f.transport.badSig[0] = true

		result, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		assert.True(t, result.Responses[0].IsNull())
		assert.Equal(t, 0.0, result.Rewards[0])
		assert.Equal(t, model.CauseBadSignature, result.Breakdowns[0].Cause)
		assert.Equal(t, 0, result.LocalRanks[1])
	})
}

func TestRunRoundCustomWorkersSkipScoring(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		result, err := f.engine.RunRound(context.Background(), &RoundRequest{
			Task:      unittest.TaskFixture(),
			Workers:   []model.WorkerID{2, 3},
			Options:   model.DefaultRewardOptions(),
			DoScoring: true,
		})
		require.NoError(t, err)

		assert.Equal(t, -1, result.Group.Index)
		assert.Equal(t, []model.WorkerID{2, 3}, result.Group.Members)
		for _, value := range result.RankValues {
			assert.True(t, math.IsInf(value, 1))
		}
		// explicit worker sets never touch the score table
		for i := 0; i < 4; i++ {
			assert.True(t, model.IsUnscored(f.engine.updater.Score(model.WorkerID(i))))
		}
	})
}

func TestRunRoundTierOutOfRange(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		_, err := f.engine.RunRound(context.Background(), tierRequest(9))
		require.Error(t, err)
	})
}

func TestRunRoundEmitsArtifact(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)
		f.transport.times[0] = 1.0
		f.transport.times[1] = 3.0

		_, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		// artifact emission is asynchronous
		require.Eventually(t, func() bool {
			f.telemetry.mu.Lock()
			defer f.telemetry.mu.Unlock()
			return len(f.telemetry.artifacts) == 1
		}, time.Second, 10*time.Millisecond)

		artifact := f.telemetry.artifacts[0]
		assert.Equal(t, model.TaskSynthetic, artifact.TaskType)
		assert.Equal(t, 0, artifact.GroupIndex)
		assert.Len(t, artifact.Records, 2)
		assert.InDelta(t, 2.0, artifact.MeanProcessTime, 1e-12)
		assert.InDelta(t, 2.0, artifact.MedianProcessTime, 1e-12)
		assert.Equal(t, "worker-0", artifact.Records[0].Address)
		assert.NotEmpty(t, artifact.Records[0].Chunks)
		assert.NotEmpty(t, artifact.DocumentHash)
	})
}

func TestSyntheticRoundAdvancesStepAndPersists(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		f.engine.runSyntheticRound()

		assert.Equal(t, uint64(1), f.engine.Step())

		state, err := f.states.Load()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), state.Step)
		// one document consumed from the refreshed pool of two
		assert.Len(t, state.SourcePool, 1)
	})
}

func TestOrganicRoundSubmitsResponses(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		doc := unittest.DocumentFixture()
		task := &model.Task{
			Type:        model.TaskOrganic,
			Document:    doc,
			ChunkSize:   model.DefaultChunkSize,
			ChunkQty:    model.CalculateChunkQty(doc, model.DefaultChunkSize),
			Timeout:     model.DefaultTimeout,
			SoftMaxTime: 15 * time.Second,
			SourceID:    -1,
			APITaskID:   42,
		}
		f.engine.processOrganic(&module.OrganicTask{
			Task:    task,
			Workers: []model.WorkerID{2, 3},
		})

		f.taskAPI.mu.Lock()
		responses := f.taskAPI.submissions[42]
		f.taskAPI.mu.Unlock()
		require.Len(t, responses, 2)
		assert.Equal(t, model.WorkerID(2), responses[0].Worker)
		assert.False(t, responses[0].IsNull())

		// pinned worker sets never fold into scores
		assert.True(t, model.IsUnscored(f.engine.updater.Score(2)))
	})
}

func TestDispatchRequestsAreAuthenticated(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)

		// two rounds: the per-worker nonce sequence must stay monotonic
		for i := 0; i < 2; i++ {
			result, err := f.engine.RunRound(context.Background(), tierRequest(0))
			require.NoError(t, err)
			for _, response := range result.Responses {
				assert.False(t, response.IsNull())
			}
		}

		f.transport.mu.Lock()
		calls := append([]model.WorkerID(nil), f.transport.calls...)
		requests := append([]*module.TaskRequest(nil), f.transport.requests...)
		f.transport.mu.Unlock()
		require.Len(t, requests, 4)

		nonces := make(map[model.WorkerID][]uint64)
		for i, request := range requests {
			assert.Equal(t, f.me.Address(), request.Sender)
			assert.Equal(t, f.me.Session(), request.Session)
			assert.NotEmpty(t, request.TaskSignature)
			assert.NotEmpty(t, request.Signature)
			nonces[calls[i]] = append(nonces[calls[i]], request.Nonce)
		}
		for worker, seen := range nonces {
			require.Len(t, seen, 2, "worker %d", worker)
			assert.Greater(t, seen[1], seen[0])
		}

		// replaying an accepted envelope is rejected by the worker verifier
		var replay *module.TaskRequest
		for i, worker := range calls {
			if worker == 0 {
				replay = requests[i]
				break
			}
		}
		require.NotNil(t, replay)
		err := auth.VerifyTaskRequest(f.transport.verifiers[0], f.me.PublicKey(), replay, f.transport.signers[0].Address())
		assert.ErrorIs(t, err, auth.ErrReplayedNonce)
	})
}

func TestPollOrganicBuffersTask(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		task := unittest.TaskFixture()
		task.Type = model.TaskOrganic
		task.APITaskID = 7
		f.taskAPI.queue = append(f.taskAPI.queue, &module.OrganicTask{Task: task})

		f.engine.pollOrganic()

		assert.Equal(t, 1, f.engine.organicQueue.Len())
		select {
		case <-f.engine.organicNotify:
		default:
			t.Fatal("expected organic notification")
		}

		// an empty API queue is not an error and buffers nothing
		f.engine.pollOrganic()
		assert.Equal(t, 1, f.engine.organicQueue.Len())
	})
}

func TestOrganicRoundPersistsScores(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		task := unittest.TaskFixture()
		task.Type = model.TaskOrganic
		task.APITaskID = 9
		f.engine.processOrganic(&module.OrganicTask{Task: task})

		scores, _ := f.engine.updater.Snapshot()
		state, err := f.states.Load()
		require.NoError(t, err)
		assert.Equal(t, scores, state.Scores)

		finite := 0
		for _, score := range state.Scores {
			if !model.IsUnscored(score) {
				finite++
			}
		}
		assert.NotZero(t, finite)
	})
}

func TestPublishWeights(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)

		_, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)

		f.engine.publishWeights()

		f.ledger.mu.Lock()
		defer f.ledger.mu.Unlock()
		require.Len(t, f.ledger.published, 1)
		weights := f.ledger.published[0]
		require.Len(t, weights, 8)
		assert.Equal(t, 1.0, weights[0])
		assert.Equal(t, 0.5, weights[1])
		assert.Equal(t, 0.0, weights[2])
	})
}

func TestResyncReplacedIdentityResetsScore(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)

		_, err := f.engine.RunRound(context.Background(), tierRequest(0))
		require.NoError(t, err)
		require.False(t, model.IsUnscored(f.engine.updater.Score(1)))

		replacement := unittest.PrivateKeyFixture()
		f.ledger.mu.Lock()
		registry := append(model.IdentityList(nil), f.identities...)
		registry[1] = &model.Identity{
			ID:        1,
			Address:   "worker-1-replacement",
			PublicKey: replacement.PublicKey(),
		}
		f.ledger.registry = registry
		f.ledger.mu.Unlock()

		f.engine.resyncRegistry()

		assert.True(t, model.IsUnscored(f.engine.updater.Score(1)))
		assert.False(t, model.IsUnscored(f.engine.updater.Score(0)))
		assert.Equal(t, "worker-1-replacement", f.engine.identity(1).Address)
	})
}

func TestResyncFatalWhenUnregistered(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)
		f.ledger.registered = false

		f.engine.resyncRegistry()

		select {
		case err := <-f.engine.Fatal():
			assert.ErrorIs(t, err, module.ErrNotRegistered)
		default:
			t.Fatal("expected fatal error")
		}
	})
}

func TestGroupsFollowRankings(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 8)

		groups, err := f.engine.Groups()
		require.NoError(t, err)
		require.NotEmpty(t, groups)
		assert.Equal(t, []model.WorkerID{0, 1}, groups[0].Members)
	})
}

func TestStartStop(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		unittest.RequireCloseBefore(t, f.engine.Ready(), time.Second, "engine never became ready")
		unittest.RequireCloseBefore(t, f.engine.Done(), time.Second, "engine never shut down")

		// shutdown persists the current state
		state, err := f.states.Load()
		require.NoError(t, err)
		assert.Equal(t, f.identities.Addresses(), state.Identities)
	})
}

func TestDocumentPoolDrainsWithoutRepeats(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		f := newCoordFixture(t, db, 4)

		seen := make(map[int64]bool)
		for i := 0; i < 2; i++ {
			id, err := f.engine.popSourceID(context.Background())
			require.NoError(t, err)
			assert.False(t, seen[id])
			seen[id] = true
		}
		// pool refills from the source once drained
		id, err := f.engine.popSourceID(context.Background())
		require.NoError(t, err)
		assert.True(t, seen[id])
	})
}
