// Package auth implements the transport-level replay protection and the
// payload-level signing scheme. The nonce handshake guards each (sender,
// session) endpoint; payload signatures bind tasks and responses to their
// issuer independently of the transport.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"
	"github.com/rs/zerolog"

	"github.com/vectorchat/chunking-validator/module"
)

// DefaultAllowedDelta bounds how old a first-contact nonce may be. The
// effective window additionally never exceeds the request timeout.
const DefaultAllowedDelta = 4 * time.Second

// Rejection reasons, used as sentinel errors and metric labels.
var (
	ErrMissingNonce  = errors.New("request carries no nonce")
	ErrStaleNonce    = errors.New("first-contact nonce outside the allowed window")
	ErrReplayedNonce = errors.New("nonce not newer than the last accepted one")
	ErrBadSignature  = errors.New("transport signature verification failed")
)

// InboundRequest is the authenticated envelope of one request or response,
// checked before the body is deserialized.
type InboundRequest struct {
	// Nonce is the sender's nanosecond timestamp, zero when absent.
	Nonce uint64
	// Sender and Session form the endpoint key; Session changes whenever the
	// sender restarts, resetting its nonce sequence.
	Sender  string
	Session string
	// Receiver is our own address, bound into the signed message so a
	// request cannot be re-targeted.
	Receiver string
	// BodyHash commits to the request body without deserializing it.
	BodyHash []byte
	// Signature covers the canonical transport message.
	Signature []byte
	// PublicKey is the sender's declared key, to be matched against the
	// registry by the caller.
	PublicKey crypto.PublicKey
}

type endpointKey struct {
	sender  string
	session string
}

// Verifier performs the nonce handshake for every known endpoint. It keeps
// only the last accepted nonce per endpoint, so memory stays proportional to
// the number of live (sender, session) pairs.
type Verifier struct {
	mu   sync.Mutex
	seen map[endpointKey]uint64

	configuredDelta time.Duration
	log             zerolog.Logger
	metrics         module.TournamentMetrics

	// now is swapped for a fixed clock in tests.
	now func() time.Time
}

// NewVerifier creates a verifier with the given first-contact window.
func NewVerifier(log zerolog.Logger, metrics module.TournamentMetrics, configuredDelta time.Duration) *Verifier {
	return &Verifier{
		seen:            make(map[endpointKey]uint64),
		configuredDelta: configuredDelta,
		log:             log.With().Str("component", "auth_verifier").Logger(),
		metrics:         metrics,
		now:             time.Now,
	}
}

// CanonicalTransportMessage is the byte string the transport signature
// covers: nonce, sender, receiver, session and body hash, dot-separated.
func CanonicalTransportMessage(nonce uint64, sender, receiver, session string, bodyHash []byte) []byte {
	return []byte(fmt.Sprintf("%d.%s.%s.%s.%x", nonce, sender, receiver, session, bodyHash))
}

// Verify runs the full handshake for one inbound request. timeout is the
// request's own timeout; the effective first-contact window is the smaller
// of it and the configured delta. On success the nonce is stored as the new
// floor for the endpoint.
func (v *Verifier) Verify(req *InboundRequest, timeout time.Duration) error {
	if req.Nonce == 0 {
		return v.reject(req, "missing_nonce", ErrMissingNonce)
	}

	allowedDelta := v.configuredDelta
	if timeout < allowedDelta {
		allowedDelta = timeout
	}

	key := endpointKey{sender: req.Sender, session: req.Session}

	v.mu.Lock()
	defer v.mu.Unlock()

	stored, known := v.seen[key]
	if known {
		if req.Nonce <= stored {
			return v.reject(req, "replayed_nonce", ErrReplayedNonce)
		}
	} else {
		floor := v.now().Add(-allowedDelta).UnixNano()
		if req.Nonce < uint64(floor) {
			return v.reject(req, "stale_nonce", ErrStaleNonce)
		}
	}

	message := CanonicalTransportMessage(req.Nonce, req.Sender, req.Receiver, req.Session, req.BodyHash)
	valid, err := req.PublicKey.Verify(req.Signature, message, hash.NewSHA3_256())
	if err != nil {
		return fmt.Errorf("could not verify transport signature: %w", err)
	}
	if !valid {
		return v.reject(req, "bad_signature", ErrBadSignature)
	}

	v.seen[key] = req.Nonce
	return nil
}

// NewNonce returns a fresh nanosecond-timestamp nonce for outbound requests.
func NewNonce() uint64 {
	return uint64(time.Now().UnixNano())
}

func (v *Verifier) reject(req *InboundRequest, reason string, err error) error {
	v.log.Debug().
		Str("sender", req.Sender).
		Str("session", req.Session).
		Uint64("nonce", req.Nonce).
		Str("reason", reason).
		Msg("rejecting inbound request")
	v.metrics.AuthRejection(reason)
	return err
}
