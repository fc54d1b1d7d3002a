package tournament

// RewardBreakdown records how one response's reward was derived. Penalty
// fields hold the multiplicative factor that was applied; 1 means the
// penalty did not trigger.
type RewardBreakdown struct {
	// EmbeddingReward is the raw semantic reward before penalties, zero when
	// the response failed a structural check or produced no chunks.
	EmbeddingReward float64
	SizePenalty     float64
	QtyPenalty      float64
	TimePenalty     float64
	// EmbedSampleCount is the number of sentence-group samples that were
	// actually embedded for this response.
	EmbedSampleCount int
	// Cause names why the reward is zero, empty for scored responses.
	Cause string
}

// Zero reward causes reported in breakdowns.
const (
	CauseNoChunks         = "no chunks"
	CauseBadSignature     = "bad response signature"
	CauseWordMismatch     = "chunk words not in document"
	CauseIncompleteChunks = "chunks do not reproduce document"
	CauseSentenceBoundary = "chunk breaks sentence boundary"
	CauseEmbeddingFailure = "embedding service unavailable"
)

// NewRewardBreakdown returns a breakdown with neutral penalty factors.
func NewRewardBreakdown() *RewardBreakdown {
	return &RewardBreakdown{SizePenalty: 1, QtyPenalty: 1, TimePenalty: 1}
}
