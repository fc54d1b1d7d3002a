// Package storage persists the coordinator's round state in badger. The
// whole state travels as one versioned blob, replaced atomically on each
// save, so a crash can only ever lose the latest round, never mix two.
package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	model "github.com/vectorchat/chunking-validator/model/tournament"
)

var (
	// ErrNotFound means no state has ever been saved; callers treat it as a
	// first run.
	ErrNotFound = errors.New("no persisted state found")

	// ErrVersionMismatch means the persisted blob was written by a different
	// schema version. There is no migration; the caller must fail.
	ErrVersionMismatch = errors.New("persisted state version mismatch")
)

var stateKey = []byte("tournament_state")

// States stores and retrieves the single tournament state blob.
type States struct {
	db  *badger.DB
	log zerolog.Logger
}

func NewStates(log zerolog.Logger, db *badger.DB) *States {
	return &States{
		db:  db,
		log: log.With().Str("component", "state_storage").Logger(),
	}
}

// Save replaces the persisted state with the given one.
func (s *States) Save(state *model.State) error {
	if state.Version != model.StateVersion {
		return fmt.Errorf("refusing to save state with version %d (current %d): %w",
			state.Version, model.StateVersion, ErrVersionMismatch)
	}
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}
	err = s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("could not persist state: %w", err)
	}
	s.log.Debug().Uint64("step", state.Step).Int("workers", len(state.Scores)).Msg("state saved")
	return nil
}

// Load retrieves the persisted state. It returns ErrNotFound on first run
// and ErrVersionMismatch when the blob was written by another schema
// version.
func (s *States) Load() (*model.State, error) {
	var state model.State
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(stateKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not look up state: %w", err)
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &state)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not load state: %w", err)
	}
	if state.Version != model.StateVersion {
		return nil, fmt.Errorf("state has version %d, expected %d: %w",
			state.Version, model.StateVersion, ErrVersionMismatch)
	}
	return &state, nil
}
