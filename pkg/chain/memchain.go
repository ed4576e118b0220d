package chain

import (
	"encoding/gob"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/albatross-chain/validator/pkg/committee"
)

// MemChain is a minimal, in-memory Blockchain used by tests and local
// demos. It keeps only the current head and the current committee; it
// has no storage engine, fork-choice rule beyond "longest chain wins by
// block number", or gossip relay, all of which are out of scope for the
// validator core (spec.md §1) and belong to the real blockchain engine
// this interface stands in for.
type MemChain struct {
	mu         sync.Mutex
	blocks     map[[32]byte]Block
	head       [32]byte
	headNumber uint32
	headView   uint32
	nextType   BlockType
	committee  committee.Committee
	haveCommit bool
	events     chan BlockchainEvent
	forks      chan ForkEvent
}

// NewMemChain returns a chain seeded with a genesis macro block.
func NewMemChain(genesis *MacroBlock, genesisCommittee committee.Committee) *MemChain {
	h := HashBlock(Block{MacroBlock: genesis})
	mc := &MemChain{
		blocks:     make(map[[32]byte]Block),
		head:       h,
		headNumber: genesis.Header.BlockNumber,
		nextType:   Micro,
		committee:  genesisCommittee,
		haveCommit: true,
		events:     make(chan BlockchainEvent, 64),
		forks:      make(chan ForkEvent, 64),
	}
	mc.blocks[h] = Block{MacroBlock: genesis}
	return mc
}

// HashBlock computes the gob-then-blake2b identity hash of a block,
// used as the map key and as the hash reported in chain events.
func HashBlock(b Block) [32]byte {
	hw, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("memchain: blake2b init: %w", err))
	}
	if err := gob.NewEncoder(hw).Encode(b); err != nil {
		panic(fmt.Errorf("memchain: hash block: %w", err))
	}
	var out [32]byte
	copy(out[:], hw.Sum(nil))
	return out
}

func (m *MemChain) HeadNumber() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headNumber
}

func (m *MemChain) HeadViewNumber() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headView
}

func (m *MemChain) NextBlockType() BlockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextType
}

func (m *MemChain) CurrentCommittee() (committee.Committee, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committee, m.haveCommit
}

func (m *MemChain) GetBlock(hash [32]byte) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[hash]
	return b, ok
}

// Push appends block as the new head if it extends the current head,
// and is otherwise ignored. Rebranching is not modeled by MemChain;
// tests that need rebranch semantics construct BlockchainEvent values
// directly instead of driving them through Push.
func (m *MemChain) Push(block Block) (PushResult, error) {
	m.mu.Lock()
	h := HashBlock(block)
	var parent [32]byte
	switch block.Type() {
	case Micro:
		parent = block.MicroBlock.Header.ParentHash
	case Macro:
		parent = block.MacroBlock.Header.ParentHash
	}
	if parent != m.head {
		m.mu.Unlock()
		return PushIgnored, nil
	}
	m.blocks[h] = block
	m.head = h
	m.headNumber = block.BlockNumber()
	if block.Type() == Micro {
		m.headView = block.MicroBlock.Header.ViewNumber
		m.nextType = Micro
	} else {
		m.headView = 0
		// MemChain never requests a macro block: it has no epoch-length
		// schedule, so NextBlockType always reports Micro after any push.
		// A real blockchain engine decides the macro-block cadence; this
		// stand-in only needs to exercise Micro production end-to-end.
		m.nextType = Micro
		if block.MacroBlock.IsElection && block.MacroBlock.Committee != nil {
			m.committee = *block.MacroBlock.Committee
			m.haveCommit = true
		}
	}
	kind := Extended
	if block.Type() == Macro {
		if block.MacroBlock.IsElection {
			kind = EpochFinalized
		} else {
			kind = Finalized
		}
	}
	m.mu.Unlock()
	m.events <- BlockchainEvent{Kind: kind, Hash: h}
	return PushExtended, nil
}

func (m *MemChain) Events() <-chan BlockchainEvent { return m.events }
func (m *MemChain) ForkEvents() <-chan ForkEvent   { return m.forks }

// EmitForkEvent lets tests simulate the blockchain collaborator's
// fork-choice layer detecting an equivocation.
func (m *MemChain) EmitForkEvent(ev ForkEvent) { m.forks <- ev }

// EmitRebranch lets tests simulate a rebranch without driving it
// through Push, since MemChain's own fork-choice never rebranches.
func (m *MemChain) EmitRebranch(oldChain, newChain []HashedBlock) {
	m.mu.Lock()
	if len(newChain) > 0 {
		tip := newChain[len(newChain)-1]
		m.head = tip.Hash
		m.headNumber = tip.Block.BlockNumber()
		if tip.Block.Type() == Micro {
			m.headView = tip.Block.MicroBlock.Header.ViewNumber
		}
	}
	m.mu.Unlock()
	m.events <- BlockchainEvent{Kind: Rebranched, OldChain: oldChain, NewChain: newChain}
}
