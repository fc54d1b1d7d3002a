package tournament

import (
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Response is one worker's answer to a task. A missing answer is represented
// as a non-nil Response with nil Chunks and infinite ProcessTime, so the
// scoring pipeline consumes present and absent answers identically.
type Response struct {
	Worker WorkerID
	// Chunks is the ordered chunking of the task document, nil when the
	// worker did not answer.
	Chunks []string
	// ProcessTime is the worker-observed processing time in seconds,
	// +Inf when the worker did not answer in time.
	ProcessTime float64
	// Signature covers the canonical response payload (document binding plus
	// chunks), produced with the worker's registered key.
	Signature []byte
}

// NullResponse records a worker that produced no usable answer.
func NullResponse(worker WorkerID) *Response {
	return &Response{Worker: worker, ProcessTime: math.Inf(1)}
}

// IsNull returns true when the response carries no answer.
func (r *Response) IsNull() bool {
	return r == nil || len(r.Chunks) == 0
}

// responsePayload is the canonical record covered by a worker's response
// signature. Field order is fixed; encoding is deterministic CBOR.
type responsePayload struct {
	DocumentHash []byte   `cbor:"1,keyasint"`
	ChunkSize    int      `cbor:"2,keyasint"`
	ChunkQty     int      `cbor:"3,keyasint"`
	Chunks       []string `cbor:"4,keyasint"`
}

// taskPayload is the canonical record covered by the issuer's task signature.
type taskPayload struct {
	DocumentHash []byte `cbor:"1,keyasint"`
	ChunkSize    int    `cbor:"2,keyasint"`
	ChunkQty     int    `cbor:"3,keyasint"`
	Timeout      int64  `cbor:"4,keyasint"`
	ContentID    string `cbor:"5,keyasint"`
}

var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// CanonicalResponseBytes returns the bytes a worker signs over its response
// to a given task.
func CanonicalResponseBytes(task *Task, documentHash []byte, chunks []string) ([]byte, error) {
	return canonicalEncMode.Marshal(responsePayload{
		DocumentHash: documentHash,
		ChunkSize:    task.ChunkSize,
		ChunkQty:     task.ChunkQty,
		Chunks:       chunks,
	})
}

// CanonicalTaskBytes returns the bytes the task issuer signs, binding the
// task parameters to the document.
func CanonicalTaskBytes(task *Task, documentHash []byte) ([]byte, error) {
	return canonicalEncMode.Marshal(taskPayload{
		DocumentHash: documentHash,
		ChunkSize:    task.ChunkSize,
		ChunkQty:     task.ChunkQty,
		Timeout:      int64(task.Timeout),
		ContentID:    task.ContentID,
	})
}
