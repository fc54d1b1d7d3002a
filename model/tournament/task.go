package tournament

import (
	"math"
	"time"
)

// TaskType discriminates how a task entered the tournament.
type TaskType string

const (
	// TaskSynthetic is a task generated by the coordinator itself.
	TaskSynthetic TaskType = "synthetic"
	// TaskOrganic is a task submitted by an external caller.
	TaskOrganic TaskType = "organic"
)

const (
	// DefaultChunkSize is the soft maximum chunk length in characters.
	DefaultChunkSize = 4096
	// DefaultTimeout bounds one dispatch to a worker.
	DefaultTimeout = 20 * time.Second
	// DefaultSoftMaxMultiplier positions the soft process-time limit within
	// the hard timeout.
	DefaultSoftMaxMultiplier = 0.75
)

// Task is one document-chunking assignment, consumed by exactly one group
// dispatch and never persisted past the round.
type Task struct {
	Type      TaskType
	Document  string
	ChunkSize int
	ChunkQty  int
	// Timeout is the hard per-dispatch deadline.
	Timeout time.Duration
	// SoftMaxTime is the process time past which the time penalty applies.
	SoftMaxTime time.Duration
	// ContentID is the relay pin id for this document, empty when the round
	// runs unfingerprinted.
	ContentID string
	// SourceID identifies the document in the synthetic source pool, -1 for
	// organic tasks.
	SourceID int64
	// APITaskID is the external submission API's id for organic tasks, -1
	// otherwise.
	APITaskID int64
}

// CalculateChunkQty derives the soft maximum number of chunks for a document.
func CalculateChunkQty(document string, chunkSize int) int {
	perChunk := math.Ceil(float64(len(document)) / float64(chunkSize))
	return int(math.Ceil(perChunk * 1.5))
}

// NewSyntheticTask assembles a task around a document drawn from the source
// pool, filling the derived fields.
func NewSyntheticTask(document string, sourceID int64, timeout time.Duration) *Task {
	return &Task{
		Type:        TaskSynthetic,
		Document:    document,
		ChunkSize:   DefaultChunkSize,
		ChunkQty:    CalculateChunkQty(document, DefaultChunkSize),
		Timeout:     timeout,
		SoftMaxTime: time.Duration(float64(timeout) * DefaultSoftMaxMultiplier),
		SourceID:    sourceID,
		APITaskID:   -1,
	}
}

// RewardOptions toggles the structural checks and penalty factors of the
// reward engine for one round. Both default to on; diagnostic rounds may
// disable either.
type RewardOptions struct {
	DoChecks    bool
	DoPenalties bool
}

// DefaultRewardOptions enables all checks and penalties.
func DefaultRewardOptions() RewardOptions {
	return RewardOptions{DoChecks: true, DoPenalties: true}
}
