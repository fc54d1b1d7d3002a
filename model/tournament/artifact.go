package tournament

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
)

// WorkerRoundRecord is the per-worker slice of a round artifact.
type WorkerRoundRecord struct {
	Worker      WorkerID         `json:"uid"`
	Address     string           `json:"address"`
	Reward      float64          `json:"reward"`
	ProcessTime float64          `json:"process_time"`
	LocalRank   int              `json:"local_rank"`
	RankValue   float64          `json:"rank_value"`
	Breakdown   *RewardBreakdown `json:"breakdown,omitempty"`
	// Chunks is the worker's gzip+base64 compressed chunk payload, empty
	// for null responses.
	Chunks string `json:"chunks,omitempty"`
}

// RoundArtifact is the structured record of one tournament round, handed to
// the telemetry sink after scores are folded in.
type RoundArtifact struct {
	Step         uint64              `json:"step"`
	TaskType     TaskType            `json:"task_type"`
	DocumentHash string              `json:"document_hash"`
	ContentID    string              `json:"content_id,omitempty"`
	GroupIndex   int                 `json:"group_index"`
	Alpha        float64             `json:"alpha"`
	Records      []WorkerRoundRecord `json:"records"`
	// Process-time summary over answering workers, seconds.
	MeanProcessTime   float64 `json:"mean_process_time"`
	MedianProcessTime float64 `json:"median_process_time"`
}

// CompressChunks encodes a chunk list the way artifacts carry it: JSON,
// gzipped, base64.
func CompressChunks(chunks []string) (string, error) {
	raw, err := json.Marshal(chunks)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
