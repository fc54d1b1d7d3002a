package module

import (
	"context"
	"errors"
	"time"

	model "github.com/vectorchat/chunking-validator/model/tournament"
)

// TaskRequest is the authenticated wire envelope delivered to one worker.
// The envelope signature covers the canonical transport message (nonce,
// sender, receiver, session, body hash); the task signature covers the
// canonical task payload. Workers recompute both hashes from the task body
// rather than trusting transmitted digests.
type TaskRequest struct {
	Task *model.Task
	// Nonce is the sender's nanosecond timestamp for replay protection.
	Nonce uint64
	// Sender and Session identify the issuing endpoint; Session changes on
	// every coordinator restart, resetting the worker-side nonce sequence.
	Sender  string
	Session string
	// TaskSignature covers the canonical task payload.
	TaskSignature []byte
	// Signature covers the canonical transport message for this receiver.
	Signature []byte
}

// WorkerTransport delivers one signed task request to one worker and returns
// its response. Implementations own connection handling and
// (de)serialization; the coordinator owns fan-out, timeouts, envelope
// signing and null-response bookkeeping.
type WorkerTransport interface {
	// Dispatch sends the request to the given worker and blocks until a
	// response arrives or the context is done. It does not retry.
	Dispatch(ctx context.Context, worker *model.Identity, request *TaskRequest) (*model.Response, error)
}

// EmbeddingClient computes one embedding vector for one text. Only the
// output vectors are consumed here; model choice and batching live behind
// the implementation.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Pin is one entry in the content-addressable relay store.
type Pin struct {
	ContentID string
	CreatedAt time.Time
	Data      []byte
}

// ContentStore is the external content-addressable store relay payloads are
// published to. Entries expire server-side after their TTL.
type ContentStore interface {
	// Put publishes data under the given content id with a bounded TTL.
	Put(ctx context.Context, contentID string, data []byte, ttl time.Duration) error

	// Recent returns non-expired entries created at or after the given time,
	// ordered newest first.
	Recent(ctx context.Context, since time.Time) ([]Pin, error)
}

// ErrTaskUnavailable signals that the submission API has no organic task
// queued. It is an expected result, not a failure.
var ErrTaskUnavailable = errors.New("no organic task available")

// OrganicTask is an externally submitted task, optionally pinned to an
// explicit worker set that bypasses tiering.
type OrganicTask struct {
	Task *model.Task
	// Workers, when non-empty, names the exact workers to query.
	Workers []model.WorkerID
}

// TaskAPI is the external organic task submission service.
type TaskAPI interface {
	// GetNewTask returns the next queued organic task, or ErrTaskUnavailable.
	GetNewTask(ctx context.Context) (*OrganicTask, error)

	// SubmitResponse returns the chunk results for an organic task to the
	// submitter.
	SubmitResponse(ctx context.Context, taskID int64, responses []*model.Response) error
}

// ErrNotRegistered signals that our identity is no longer registered on the
// ledger; the process must stop or reconnect, never keep querying.
var ErrNotRegistered = errors.New("coordinator identity is not registered")

// LedgerClient is the distributed ledger used to discover participants and
// publish incentive weights.
type LedgerClient interface {
	// Registry returns the current worker registry ordered by worker id.
	Registry(ctx context.Context) (model.IdentityList, error)

	// IsRegistered reports whether the given address is still registered.
	IsRegistered(ctx context.Context, address string) (bool, error)

	// PublishWeights publishes the final per-worker incentive weights.
	PublishWeights(ctx context.Context, weights []float64) error
}

// DocumentSource synthesizes or fetches documents for synthetic tasks.
type DocumentSource interface {
	// ListIDs returns the ids of all currently available documents.
	ListIDs(ctx context.Context) ([]int64, error)

	// Fetch returns the plain-text document with the given id.
	Fetch(ctx context.Context, id int64) (string, error)
}

// Telemetry consumes the structured per-round artifact. Implementations
// must not block the tournament loop.
type Telemetry interface {
	EmitRound(ctx context.Context, artifact *model.RoundArtifact) error
}
