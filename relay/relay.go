// Package relay publishes document fingerprints to the content-addressable
// store before dispatch, so workers can detect near-duplicate documents and
// coordinators can audit each other's task flow. A fingerprint is the
// document's hash plus embeddings of fixed-size token windows, signed by the
// publisher.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vectorchat/chunking-validator/module"
)

const (
	// DefaultWindowTokens is the token count of one embedded document window.
	DefaultWindowTokens = 5000
	// DefaultPinTTL keeps fingerprints alive just long enough to cover a
	// round in flight.
	DefaultPinTTL = 3 * time.Minute
	// DefaultRecencyWindow bounds how far back Recent looks for pins.
	DefaultRecencyWindow = 20 * time.Minute
)

// Message is the signed content of one fingerprint.
type Message struct {
	// DocumentHash is the hex sha256 of the full document text.
	DocumentHash string `cbor:"1,keyasint"`
	// Embeddings holds one vector per document window, in order.
	Embeddings [][]float64 `cbor:"2,keyasint"`
}

// Payload couples a message with the publisher's signature over the
// message's canonical encoding.
type Payload struct {
	Message   Message `cbor:"1,keyasint"`
	Signature []byte  `cbor:"2,keyasint"`
}

// VerifiedPin is one store entry whose payload decoded cleanly. Signature
// validity is checked separately against the claimed publisher's key.
type VerifiedPin struct {
	ContentID string
	CreatedAt time.Time
	Payload   *Payload
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Config holds the relay tunables.
type Config struct {
	WindowTokens  int
	PinTTL        time.Duration
	RecencyWindow time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		WindowTokens:  DefaultWindowTokens,
		PinTTL:        DefaultPinTTL,
		RecencyWindow: DefaultRecencyWindow,
	}
}

// Relay builds, publishes and fetches document fingerprints.
type Relay struct {
	log      zerolog.Logger
	conf     Config
	local    module.Local
	embedder module.EmbeddingClient
	store    module.ContentStore
	metrics  module.TournamentMetrics
}

// New creates a relay over the given content store.
func New(
	log zerolog.Logger,
	metrics module.TournamentMetrics,
	local module.Local,
	embedder module.EmbeddingClient,
	store module.ContentStore,
	conf Config,
) *Relay {
	return &Relay{
		log:      log.With().Str("component", "relay").Logger(),
		conf:     conf,
		local:    local,
		embedder: embedder,
		store:    store,
		metrics:  metrics,
	}
}

// DocumentHash returns the hex sha256 fingerprint key of a document.
func DocumentHash(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// Publish fingerprints the document and pins it, returning the content id to
// attach to the task. Windows whose embedding call fails are dropped rather
// than failing the round.
func (r *Relay) Publish(ctx context.Context, document string) (string, error) {
	windows := splitWindows(document, r.conf.WindowTokens)

	embeddings := make([][]float64, len(windows))
	var g errgroup.Group
	for i := range windows {
		i := i
		g.Go(func() error {
			vector, err := r.embedder.Embed(ctx, windows[i])
			if err != nil {
				r.log.Warn().Err(err).Int("window", i).Msg("window embedding failed, dropping")
				return nil
			}
			embeddings[i] = vector
			return nil
		})
	}
	_ = g.Wait()

	kept := make([][]float64, 0, len(embeddings))
	for _, vector := range embeddings {
		if vector != nil {
			kept = append(kept, vector)
		}
	}

	message := Message{
		DocumentHash: DocumentHash(document),
		Embeddings:   kept,
	}
	payload, err := r.seal(message)
	if err != nil {
		return "", err
	}

	data, err := encMode.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("could not encode relay payload: %w", err)
	}

	contentID, err := ContentID(data)
	if err != nil {
		return "", err
	}

	if err := r.store.Put(ctx, contentID, data, r.conf.PinTTL); err != nil {
		r.metrics.RelayPublishFailed()
		return "", fmt.Errorf("could not pin relay payload: %w", err)
	}

	r.log.Debug().
		Str("content_id", contentID).
		Str("document_hash", message.DocumentHash).
		Int("windows", len(windows)).
		Int("embedded", len(kept)).
		Msg("published relay payload")

	return contentID, nil
}

// Recent fetches pins from the recency window, newest first, dropping
// entries that do not decode.
func (r *Relay) Recent(ctx context.Context) ([]*VerifiedPin, error) {
	since := time.Now().Add(-r.conf.RecencyWindow)
	pins, err := r.store.Recent(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("could not fetch recent pins: %w", err)
	}

	out := make([]*VerifiedPin, 0, len(pins))
	for _, pin := range pins {
		var payload Payload
		if err := cbor.Unmarshal(pin.Data, &payload); err != nil {
			r.log.Debug().Err(err).Str("content_id", pin.ContentID).Msg("skipping undecodable pin")
			continue
		}
		out = append(out, &VerifiedPin{
			ContentID: pin.ContentID,
			CreatedAt: pin.CreatedAt,
			Payload:   &payload,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// VerifyPayload checks a fingerprint signature against the publisher's key.
func VerifyPayload(publicKey crypto.PublicKey, payload *Payload) (bool, error) {
	message, err := encMode.Marshal(payload.Message)
	if err != nil {
		return false, fmt.Errorf("could not encode relay message: %w", err)
	}
	valid, err := publicKey.Verify(payload.Signature, message, hash.NewSHA3_256())
	if err != nil {
		return false, fmt.Errorf("could not verify relay signature: %w", err)
	}
	return valid, nil
}

// seal signs the canonical message encoding.
func (r *Relay) seal(message Message) (*Payload, error) {
	bytes, err := encMode.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("could not encode relay message: %w", err)
	}
	sig, err := r.local.Sign(bytes, hash.NewSHA3_256())
	if err != nil {
		return nil, fmt.Errorf("could not sign relay message: %w", err)
	}
	return &Payload{Message: message, Signature: sig}, nil
}

// ContentID derives the store key for a payload: a CIDv1 over the raw bytes,
// computed locally so publishing is idempotent per payload.
func ContentID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("could not hash relay payload: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// splitWindows cuts the document into runs of windowTokens whitespace
// tokens, preserving the original token text.
func splitWindows(document string, windowTokens int) []string {
	tokens := strings.Fields(document)
	if len(tokens) == 0 {
		return nil
	}
	var windows []string
	for i := 0; i < len(tokens); i += windowTokens {
		end := i + windowTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		windows = append(windows, strings.Join(tokens[i:end], " "))
	}
	return windows
}
