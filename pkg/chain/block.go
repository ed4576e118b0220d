// Package chain defines the block, vote, and event types the validator
// core exchanges with its blockchain collaborator. The blockchain
// engine itself — storage, fork-choice, gossip relay of blocks — is out
// of scope (spec.md §1); only the interface surface the validator core
// needs is specified here, plus a minimal in-memory implementation used
// for tests (memchain.go).
package chain

import (
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/signed"
)

// BlockType distinguishes the two block kinds a validator may be asked
// to produce.
type BlockType int

const (
	Micro BlockType = iota
	Macro
)

// ViewChange is signed by a validator proposing to move micro-block
// production at the current height to a new view, after the
// current-view producer missed its slot.
type ViewChange struct {
	BlockNumber   uint32
	NewViewNumber uint32
}

func (ViewChange) Prefix() signed.Prefix { return signed.PrefixViewChange }

// ViewChangeProof is a super-majority aggregate of ViewChange votes.
type ViewChangeProof = signed.AggregateProof[ViewChange]

// Prepare and Commit are the two Tendermint vote kinds cast during
// macro-block rounds, each carrying the hash of the value voted for (or
// the zero hash for a nil vote).
type Prepare struct {
	Height Height
	Round  uint64
	Value  [32]byte
}

func (Prepare) Prefix() signed.Prefix { return signed.PrefixPrepare }

type Commit struct {
	Height Height
	Round  uint64
	Value  [32]byte
}

func (Commit) Prefix() signed.Prefix { return signed.PrefixCommit }

// PrepareProof and CommitProof aggregate votes of their respective kind.
type PrepareProof = signed.AggregateProof[Prepare]
type CommitProof = signed.AggregateProof[Commit]

// Height is a block number.
type Height = uint32

// MicroHeader is the signable identity of a micro block.
type MicroHeader struct {
	BlockNumber uint32
	ViewNumber  uint32
	Producer    committee.Id
	ParentHash  [32]byte
	Timestamp   uint64
	BodyHash    [32]byte
}

// MicroBlock is an ordinary, single-producer block.
type MicroBlock struct {
	Header          MicroHeader
	Signature       signed.SignedMessage[ViewChange] // unused placeholder slot kept nil; block itself is authenticated by Header.Producer + Signature below
	BlockSignature  []byte
	ForkProofs      []forkproof.Proof
	ViewChangeProof *ViewChangeProof
	Body            []byte
}

// IncludedForkProofs implements forkproof.IncludedBlock.
func (b *MicroBlock) IncludedForkProofs() []forkproof.Proof { return b.ForkProofs }

// MacroHeader is the signable identity of a macro block.
type MacroHeader struct {
	BlockNumber uint32
	Round       uint64
	Timestamp   uint64
	ParentHash  [32]byte
	BodyHash    [32]byte
}

// MacroBlock is an epoch-boundary block finalized by an aggregate BLS
// precommit signature.
type MacroBlock struct {
	Header        MacroHeader
	Justification *CommitProof
	IsElection    bool
	Committee     *committee.Committee // non-nil only when IsElection
	ExtraData     []byte                // first 8 bytes at genesis: big-endian initial supply
}

// IncludedForkProofs implements forkproof.IncludedBlock; macro blocks
// never carry fork proofs.
func (b *MacroBlock) IncludedForkProofs() []forkproof.Proof { return nil }

// Block is either a macro or a micro block.
type Block struct {
	MacroBlock *MacroBlock
	MicroBlock *MicroBlock
}

// Type reports which variant this block holds.
func (b Block) Type() BlockType {
	if b.MacroBlock != nil {
		return Macro
	}
	return Micro
}

// BlockNumber returns the height of whichever variant is set.
func (b Block) BlockNumber() uint32 {
	if b.MacroBlock != nil {
		return b.MacroBlock.Header.BlockNumber
	}
	return b.MicroBlock.Header.BlockNumber
}

// IncludedForkProofs implements forkproof.IncludedBlock.
func (b Block) IncludedForkProofs() []forkproof.Proof {
	if b.MicroBlock != nil {
		return b.MicroBlock.IncludedForkProofs()
	}
	return nil
}

// PushResult reports how Blockchain.Push changed the local chain.
type PushResult int

const (
	PushIgnored PushResult = iota
	PushExtended
	PushRebranched
	PushRejected
)

// EventKind tags a BlockchainEvent.
type EventKind int

const (
	Extended EventKind = iota
	Finalized
	EpochFinalized
	Rebranched
)

// HashedBlock pairs a block with its hash, as delivered in rebranch
// event chains.
type HashedBlock struct {
	Hash  [32]byte
	Block Block
}

// BlockchainEvent is emitted by the blockchain collaborator whenever the
// local chain changes.
type BlockchainEvent struct {
	Kind     EventKind
	Hash     [32]byte      // set for Extended, Finalized, EpochFinalized
	OldChain []HashedBlock // set for Rebranched, oldest first
	NewChain []HashedBlock // set for Rebranched, oldest first
}

// ForkEvent is emitted when the blockchain collaborator's fork-choice
// layer detects an equivocating producer.
type ForkEvent struct {
	Proof forkproof.Proof
}

// MicroBodyAssembler builds the opaque transaction payload of a micro
// block from pending mempool transactions.
type MicroBodyAssembler interface {
	AssembleMicroBody(parent MicroHeader, txs [][]byte) []byte
}

// MacroBodyAssembler builds the application-defined contents of a
// candidate macro block (e.g. the validator set for an election block).
type MacroBodyAssembler interface {
	AssembleMacroBody(parent MacroHeader, round uint64, isElection bool) (*committee.Committee, []byte)
}

// Blockchain is the validator core's sole view onto the blockchain
// state machine and storage engine, both out of scope for this
// specification.
type Blockchain interface {
	HeadNumber() uint32
	HeadViewNumber() uint32
	NextBlockType() BlockType
	CurrentCommittee() (committee.Committee, bool)
	GetBlock(hash [32]byte) (Block, bool)
	Push(block Block) (PushResult, error)
	Events() <-chan BlockchainEvent
	ForkEvents() <-chan ForkEvent
}
