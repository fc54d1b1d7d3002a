// Package local implements the coordinator's own identity: its ledger
// address, a per-process session id and its signing key.
package local

import (
	"github.com/google/uuid"
	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"

	"github.com/vectorchat/chunking-validator/module"
)

type Local struct {
	address string
	session string
	sk      crypto.PrivateKey // instance of the node's private staking key
}

var _ module.Local = (*Local)(nil)

// New creates a local identity. The session id is freshly generated, so
// every process restart starts a new nonce sequence on the transport.
func New(address string, sk crypto.PrivateKey) *Local {
	return &Local{
		address: address,
		session: uuid.NewString(),
		sk:      sk,
	}
}

func (l *Local) Address() string {
	return l.address
}

func (l *Local) Session() string {
	return l.session
}

func (l *Local) Sign(message []byte, hasher hash.Hasher) (crypto.Signature, error) {
	return l.sk.Sign(message, hasher)
}

func (l *Local) PublicKey() crypto.PublicKey {
	return l.sk.PublicKey()
}
