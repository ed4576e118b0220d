// Package macrostate persists the Tendermint-like safety state a macro
// block producer must survive a crash with, so that resuming a round
// after a restart can never double-sign or equivocate.
package macrostate

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Step names where in a Tendermint round the last persisted state left
// off.
type Step int

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
)

// PersistedMacroState is the minimal safety state that must survive a
// restart: the height and round being decided, and the locked/valid
// value bookkeeping that prevents a resumed validator from voting in a
// way that contradicts a vote it already cast.
type PersistedMacroState struct {
	Height      uint32
	Step        Step
	Round       uint64
	LockedRound *uint64
	LockedValue *[32]byte
	ValidRound  *uint64
	ValidValue  *[32]byte
}

// dbName and stateKey match the single-key storage convention: one
// pebble database dedicated to validator state, one key inside it.
const dbName = "ValidatorState"
const stateKey = "validatorState"

// Store is a crash-safe, single-key pebble-backed store for
// PersistedMacroState.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) the validator state database
// rooted at baseDir/ValidatorState.
func Open(baseDir string) (*Store, error) {
	db, err := pebble.Open(baseDir+"/"+dbName, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open macro state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted state, if any. If the persisted state's
// height does not match currentHeight — the blockchain has moved on
// since the state was written, e.g. another macro block was finalized
// by the rest of the network while this validator was offline — the
// stale state is discarded and Load reports ok=false, never an error:
// a stale macro round is abandoned, not resumed.
func (s *Store) Load(currentHeight uint32) (state *PersistedMacroState, ok bool, err error) {
	data, closer, err := s.db.Get([]byte(stateKey))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load macro state: %w", err)
	}
	defer closer.Close()

	var st PersistedMacroState
	if decErr := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); decErr != nil {
		return nil, false, fmt.Errorf("decode macro state: %w", decErr)
	}
	if st.Height != currentHeight {
		return nil, false, nil
	}
	return &st, true, nil
}

// Save durably writes state, replacing whatever was previously stored.
// Callers must persist before broadcasting any vote derived from the
// state, so that a crash between persisting and broadcasting can only
// ever lose a vote, never fabricate one that contradicts it.
func (s *Store) Save(state *PersistedMacroState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encode macro state: %w", err)
	}
	if err := s.db.Set([]byte(stateKey), buf.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("save macro state: %w", err)
	}
	return nil
}

// Clear deletes the persisted state. Called once a macro block is
// successfully decided: the round that produced it is over, and a
// stale state must never be mistaken for live safety data on the next
// height.
func (s *Store) Clear() error {
	if err := s.db.Delete([]byte(stateKey), pebble.Sync); err != nil {
		return fmt.Errorf("clear macro state: %w", err)
	}
	return nil
}
