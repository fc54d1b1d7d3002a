package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"

	"github.com/vectorchat/chunking-validator/auth"
	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
	"github.com/vectorchat/chunking-validator/module/local"
	"github.com/vectorchat/chunking-validator/module/metrics"
	"github.com/vectorchat/chunking-validator/tournament/rewards"
)

// The standalone harness runs the full tournament loop without any external
// services: workers chunk in-process with their own signing keys, the ledger
// is a static registry and embeddings are deterministic hash vectors. It
// exists to exercise a deployment end to end; production builds swap in real
// collaborator clients.

// loopbackWorker answers tasks in-process, signing with its own key. Each
// worker verifies the inbound envelope against its own nonce table before
// chunking, the same handshake a remote worker runs.
type loopbackWorker struct {
	signer   *local.Local
	verifier *auth.Verifier
	splitter rewards.SentenceSplitter
	// latency skews process times so rounds produce distinct rankings.
	latency time.Duration
}

type loopbackTransport struct {
	workers map[model.WorkerID]*loopbackWorker
	// issuerKey is the coordinator key the workers verify envelopes against.
	issuerKey crypto.PublicKey
}

func (t *loopbackTransport) Dispatch(ctx context.Context, worker *model.Identity, request *module.TaskRequest) (*model.Response, error) {
	w, ok := t.workers[worker.ID]
	if !ok {
		return nil, fmt.Errorf("no loopback worker with id %d", worker.ID)
	}

	if err := auth.VerifyTaskRequest(w.verifier, t.issuerKey, request, w.signer.Address()); err != nil {
		return nil, fmt.Errorf("request rejected: %w", err)
	}
	task := request.Task

	start := time.Now()
	select {
	case <-time.After(w.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	chunks := chunkBySentences(w.splitter, task.Document, task.ChunkSize)
	docHash := sha256.Sum256([]byte(task.Document))
	sig, err := auth.SignResponse(w.signer, task, docHash[:], chunks)
	if err != nil {
		return nil, fmt.Errorf("could not sign response: %w", err)
	}

	return &model.Response{
		Chunks:      chunks,
		ProcessTime: time.Since(start).Seconds(),
		Signature:   sig,
	}, nil
}

// chunkBySentences greedily packs whole sentences into chunks of at most
// chunkSize characters. A single oversized sentence becomes its own chunk.
func chunkBySentences(splitter rewards.SentenceSplitter, document string, chunkSize int) []string {
	var chunks []string
	var current strings.Builder
	for _, sentence := range splitter.Split(document) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(sentence) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// staticLedger serves a fixed registry and logs published weights.
type staticLedger struct {
	log      zerolog.Logger
	registry model.IdentityList
	self     string
}

func (l *staticLedger) Registry(context.Context) (model.IdentityList, error) {
	return l.registry, nil
}

func (l *staticLedger) IsRegistered(_ context.Context, address string) (bool, error) {
	return address == l.self, nil
}

func (l *staticLedger) PublishWeights(_ context.Context, weights []float64) error {
	top := append([]float64(nil), weights...)
	sort.Sort(sort.Reverse(sort.Float64Slice(top)))
	if len(top) > 3 {
		top = top[:3]
	}
	l.log.Info().Floats64("top_weights", top).Msg("weights published")
	return nil
}

// hashEmbedder derives a deterministic unit vector from the text digest, so
// identical samples embed identically and rewards stay reproducible.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	digest := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	vector := make([]float64, 16)
	var norm float64
	for i := range vector {
		v := float64(int(digest[2*i])<<8|int(digest[2*i+1])) - float64(1<<15)
		vector[i] = v
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vector {
		vector[i] /= norm
	}
	return vector, nil
}

// dirSource serves .txt documents from a directory, ids assigned by sorted
// filename. An empty directory path falls back to the built-in sample.
type dirSource struct {
	dir string
}

func (s *dirSource) ListIDs(context.Context) ([]int64, error) {
	if s.dir == "" {
		return []int64{0}, nil
	}
	names, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(names))
	for i := range names {
		ids[i] = int64(i)
	}
	return ids, nil
}

func (s *dirSource) Fetch(_ context.Context, id int64) (string, error) {
	if s.dir == "" {
		return sampleDocument, nil
	}
	names, err := s.listFiles()
	if err != nil {
		return "", err
	}
	if id < 0 || id >= int64(len(names)) {
		return "", fmt.Errorf("no document with id %d", id)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, names[id]))
	if err != nil {
		return "", fmt.Errorf("could not read document: %w", err)
	}
	return string(raw), nil
}

func (s *dirSource) listFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("could not read document directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".txt") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// sampleDocument backs the source when no document directory is given.
const sampleDocument = "The cave system stretches for miles beneath the hills. " +
	"Early surveys mapped only the first three chambers. " +
	"Later expeditions found a river running through the lowest level. " +
	"The water carves new passages every season. " +
	"Survey teams now leave fixed lines along the main gallery. " +
	"Each spring the entrance pool rises above the first ledge."

// logTelemetry writes a round summary to the log instead of an external sink.
type logTelemetry struct {
	log zerolog.Logger
}

func (t *logTelemetry) EmitRound(_ context.Context, artifact *model.RoundArtifact) error {
	t.log.Info().
		Uint64("step", artifact.Step).
		Str("task_type", string(artifact.TaskType)).
		Int("group_index", artifact.GroupIndex).
		Int("workers", len(artifact.Records)).
		Float64("mean_process_time", artifact.MeanProcessTime).
		Msg("round artifact")
	return nil
}

// buildStandalone assembles the loopback collaborator set: numWorkers
// in-process workers with fresh keys and staggered latencies, a static
// registry containing them, and deterministic embeddings.
func buildStandalone(log zerolog.Logger, self module.Local, numWorkers int, documentsDir string) (module.WorkerTransport, module.LedgerClient, module.DocumentSource, module.Telemetry, model.IdentityList, error) {
	splitter, err := rewards.NewSentenceSplitter()
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("could not build sentence splitter: %w", err)
	}

	transport := &loopbackTransport{
		workers:   make(map[model.WorkerID]*loopbackWorker),
		issuerKey: self.PublicKey(),
	}
	registry := make(model.IdentityList, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		id := model.WorkerID(i)
		sk, err := generateKey()
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("could not generate worker key: %w", err)
		}
		address := fmt.Sprintf("loopback-%d", i)
		transport.workers[id] = &loopbackWorker{
			signer:   local.New(address, sk),
			verifier: auth.NewVerifier(log.With().Str("worker", address).Logger(), metrics.NewNoopCollector(), auth.DefaultAllowedDelta),
			splitter: splitter,
			latency:  time.Duration(i+1) * 50 * time.Millisecond,
		}
		registry = append(registry, &model.Identity{
			ID:        id,
			Address:   address,
			PublicKey: sk.PublicKey(),
		})
	}

	ledger := &staticLedger{
		log:      log.With().Str("component", "static_ledger").Logger(),
		registry: registry,
		self:     self.Address(),
	}
	telemetry := &logTelemetry{log: log.With().Str("component", "telemetry").Logger()}

	return transport, ledger, &dirSource{dir: documentsDir}, telemetry, registry, nil
}
