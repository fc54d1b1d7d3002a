package auth

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/onflow/flow-go/crypto/hash"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorchat/chunking-validator/module/local"
	"github.com/vectorchat/chunking-validator/module/metrics"
	"github.com/vectorchat/chunking-validator/utils/unittest"
)

const testTimeout = 20 * time.Second

type authFixture struct {
	verifier *Verifier
	sender   *local.Local
	now      time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	f := &authFixture{
		verifier: NewVerifier(zerolog.Nop(), metrics.NewNoopCollector(), DefaultAllowedDelta),
		sender:   unittest.LocalFixture("sender"),
		now:      time.Now(),
	}
	f.verifier.now = func() time.Time { return f.now }
	return f
}

// request builds a fully signed inbound request with the given nonce.
func (f *authFixture) request(t *testing.T, nonce uint64) *InboundRequest {
	t.Helper()
	bodyHash := sha256.Sum256([]byte("body"))
	message := CanonicalTransportMessage(nonce, f.sender.Address(), "receiver", f.sender.Session(), bodyHash[:])
	sig, err := f.sender.Sign(message, hash.NewSHA3_256())
	require.NoError(t, err)
	return &InboundRequest{
		Nonce:     nonce,
		Sender:    f.sender.Address(),
		Session:   f.sender.Session(),
		Receiver:  "receiver",
		BodyHash:  bodyHash[:],
		Signature: sig,
		PublicKey: f.sender.PublicKey(),
	}
}

func (f *authFixture) nonceAt(offset time.Duration) uint64 {
	return uint64(f.now.Add(offset).UnixNano())
}

func TestVerify_FirstContact(t *testing.T) {
	f := newAuthFixture(t)

	// a recent nonce is accepted on first contact
	err := f.verifier.Verify(f.request(t, f.nonceAt(-time.Second)), testTimeout)
	assert.NoError(t, err)
}

func TestVerify_MissingNonce(t *testing.T) {
	f := newAuthFixture(t)

	err := f.verifier.Verify(f.request(t, 0), testTimeout)
	assert.ErrorIs(t, err, ErrMissingNonce)
}

func TestVerify_StaleFirstContact(t *testing.T) {
	f := newAuthFixture(t)

	err := f.verifier.Verify(f.request(t, f.nonceAt(-DefaultAllowedDelta-time.Second)), testTimeout)
	assert.ErrorIs(t, err, ErrStaleNonce)
}

func TestVerify_WindowCappedByTimeout(t *testing.T) {
	f := newAuthFixture(t)

	// with a 1s timeout the effective window shrinks below the configured
	// delta, so a 2s-old nonce is already stale
	err := f.verifier.Verify(f.request(t, f.nonceAt(-2*time.Second)), time.Second)
	assert.ErrorIs(t, err, ErrStaleNonce)
}

func TestVerify_MonotonicNonces(t *testing.T) {
	f := newAuthFixture(t)

	first := f.nonceAt(-time.Second)
	require.NoError(t, f.verifier.Verify(f.request(t, first), testTimeout))

	// replaying the same nonce fails
	err := f.verifier.Verify(f.request(t, first), testTimeout)
	assert.ErrorIs(t, err, ErrReplayedNonce)

	// an older nonce fails even though it would pass first contact
	err = f.verifier.Verify(f.request(t, first-1), testTimeout)
	assert.ErrorIs(t, err, ErrReplayedNonce)

	// a newer nonce is fine, even one older than the first-contact window
	assert.NoError(t, f.verifier.Verify(f.request(t, first+1), testTimeout))
}

func TestVerify_NewSessionResetsSequence(t *testing.T) {
	f := newAuthFixture(t)

	first := f.nonceAt(-time.Second)
	require.NoError(t, f.verifier.Verify(f.request(t, first), testTimeout))

	// the same nonce under a different session key is first contact again
	req := f.request(t, first)
	req.Session = "other-session"
	message := CanonicalTransportMessage(req.Nonce, req.Sender, req.Receiver, req.Session, req.BodyHash)
	sig, err := f.sender.Sign(message, hash.NewSHA3_256())
	require.NoError(t, err)
	req.Signature = sig

	assert.NoError(t, f.verifier.Verify(req, testTimeout))
}

func TestVerify_BadSignature(t *testing.T) {
	f := newAuthFixture(t)

	req := f.request(t, f.nonceAt(-time.Second))
	req.Signature[0] ^= 0xff
	err := f.verifier.Verify(req, testTimeout)
	assert.ErrorIs(t, err, ErrBadSignature)

	// a rejected signature must not advance the stored nonce
	assert.NoError(t, f.verifier.Verify(f.request(t, req.Nonce), testTimeout))
}

func TestVerify_TamperedBody(t *testing.T) {
	f := newAuthFixture(t)

	req := f.request(t, f.nonceAt(-time.Second))
	tampered := sha256.Sum256([]byte("other body"))
	req.BodyHash = tampered[:]
	err := f.verifier.Verify(req, testTimeout)
	assert.ErrorIs(t, err, ErrBadSignature)
}
