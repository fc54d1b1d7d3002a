package tournament

import (
	"math"

	"github.com/onflow/flow-go/crypto"
)

// WorkerID is the stable index of a worker within the registry. The registry
// assigns ids densely from zero, so a WorkerID doubles as an index into the
// score table.
type WorkerID uint32

// Identity holds everything the coordinator knows about a registered worker.
type Identity struct {
	ID WorkerID
	// Address is the worker's stable network identity (its public key address
	// on the ledger). When the ledger re-assigns a slot to a new key, the
	// address changes and the worker's score history is discarded.
	Address   string
	PublicKey crypto.PublicKey
}

// IdentityList is a slice of identities ordered by WorkerID.
type IdentityList []*Identity

// ByID returns the identity with the given id, or nil when the id is out of
// range.
func (l IdentityList) ByID(id WorkerID) *Identity {
	if int(id) >= len(l) {
		return nil
	}
	return l[id]
}

// Addresses returns the addresses of all identities, ordered by WorkerID.
func (l IdentityList) Addresses() []string {
	addresses := make([]string, 0, len(l))
	for _, identity := range l {
		addresses = append(addresses, identity.Address)
	}
	return addresses
}

// Unscored is the sentinel score of a worker that has never been scored.
// Scores order workers best-first, so "no information" sorts last.
func Unscored() float64 {
	return math.Inf(1)
}

// IsUnscored returns true if the score carries no information yet.
func IsUnscored(score float64) bool {
	return math.IsInf(score, 1)
}

// IsCorrupted returns true if the score is invalid and must be reset before
// the next update. Negative scores can only appear through state corruption
// or an operator opt-out marker; they are never produced by the updater.
func IsCorrupted(score float64) bool {
	return score < 0 || math.IsNaN(score)
}
