package module

import (
	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"
)

// Local encapsulates the coordinator's own ledger identity and signing key.
type Local interface {
	// Address is our stable identity address on the ledger.
	Address() string

	// Session is the per-process session id used as part of the transport
	// endpoint key; it changes on every restart.
	Session() string

	// Sign signs a message with our staking key and the given hasher.
	Sign(message []byte, hasher hash.Hasher) (crypto.Signature, error)

	// PublicKey returns the public half of our staking key.
	PublicKey() crypto.PublicKey
}
