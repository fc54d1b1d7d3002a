// Package unittest provides fixtures shared by tests across the module.
package unittest

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/onflow/flow-go/crypto"

	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module/local"
)

// PrivateKeyFixture generates an ECDSA P-256 key from fresh entropy.
func PrivateKeyFixture() crypto.PrivateKey {
	seed := make([]byte, crypto.KeyGenSeedMinLen)
	if _, err := rand.Read(seed); err != nil {
		panic(fmt.Sprintf("could not read seed: %v", err))
	}
	sk, err := crypto.GeneratePrivateKey(crypto.ECDSAP256, seed)
	if err != nil {
		panic(fmt.Sprintf("could not generate key: %v", err))
	}
	return sk
}

// LocalFixture creates a full local identity with a fresh key.
func LocalFixture(address string) *local.Local {
	return local.New(address, PrivateKeyFixture())
}

// IdentityFixture creates one worker identity with a fresh key.
func IdentityFixture(id model.WorkerID) *model.Identity {
	return &model.Identity{
		ID:        id,
		Address:   fmt.Sprintf("worker-%d", id),
		PublicKey: PrivateKeyFixture().PublicKey(),
	}
}

// IdentityListFixture creates n worker identities with sequential ids.
func IdentityListFixture(n int) model.IdentityList {
	identities := make(model.IdentityList, 0, n)
	for i := 0; i < n; i++ {
		identities = append(identities, IdentityFixture(model.WorkerID(i)))
	}
	return identities
}

// DocumentFixture is a small document with clean sentence boundaries.
func DocumentFixture() string {
	return "The cave system stretches for miles beneath the hills. " +
		"Early surveys mapped only the first three chambers. " +
		"Later expeditions found a river running through the lowest level. " +
		"The water carves new passages every season."
}

// TaskFixture builds a synthetic task around the fixture document.
func TaskFixture() *model.Task {
	return model.NewSyntheticTask(DocumentFixture(), 1, 20*time.Second)
}
