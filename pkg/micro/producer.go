// Package micro implements the single-producer-with-view-change
// protocol for ordinary (non-epoch-boundary) blocks: whichever slot is
// due for the current view proposes a block; if it fails to, every
// other validator independently times out and votes to advance the
// view, and a super-majority of such votes lets the next slot take
// over at the next view.
package micro

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/mempool"
	"github.com/albatross-chain/validator/pkg/policy"
	"github.com/albatross-chain/validator/pkg/signed"
	"github.com/albatross-chain/validator/pkg/util"
)

// Driver tracks the view-change state for the current height and
// produces candidate micro blocks and view-change votes. It owns no
// goroutine of its own: the orchestrator (package validator) selects on
// the channel returned by Timeout alongside its other event sources,
// matching the one-way ownership the rest of the validator core uses
// between the orchestrator and its producers.
type Driver struct {
	selfIdx    committee.Id
	kp         *blssig.KeyPair
	mempool    *mempool.Pool
	forkProofs *forkproof.Pool
	assembler  chain.MicroBodyAssembler
	clock      util.Clock
	delay      time.Duration
	log        util.Logger

	mu          sync.Mutex
	blockNumber uint32
	viewNumber  uint32
	parentHash  [32]byte
	timer       <-chan time.Time
	proof       *chain.ViewChangeProof
	targetView  uint32
}

// NewDriver returns a driver for the committee slot selfIdx, signing
// with kp. A nil assembler defaults to mempool.Assembler{}.
func NewDriver(selfIdx committee.Id, kp *blssig.KeyPair, pool *mempool.Pool, forkProofs *forkproof.Pool, assembler chain.MicroBodyAssembler, clock util.Clock, log util.Logger) *Driver {
	if assembler == nil {
		assembler = mempool.Assembler{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Driver{
		selfIdx:    selfIdx,
		kp:         kp,
		mempool:    pool,
		forkProofs: forkProofs,
		assembler:  assembler,
		clock:      clock,
		delay:      policy.ViewChangeDelay,
		log:        log,
	}
}

// Reset rearms the view-change timer for a newly extended chain: called
// whenever the blockchain collaborator reports a new head, whether by
// extension or rebranch.
func (d *Driver) Reset(blockNumber uint32, parentHash [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockNumber = blockNumber
	d.viewNumber = 0
	d.targetView = 0
	d.parentHash = parentHash
	d.proof = nil
	d.timer = d.clock.After(d.delay)
}

// Timeout exposes the current view-change timer channel for the
// orchestrator's fan-in select loop.
func (d *Driver) Timeout() <-chan time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer
}

// IsOwnTurn reports whether selfIdx is the proposer for the current
// view under cm.
func (d *Driver) IsOwnTurn(cm committee.Committee) bool {
	d.mu.Lock()
	view := d.viewNumber
	d.mu.Unlock()
	return cm.ProposerForRound(uint64(view)) == d.selfIdx
}

// OnTimeout is called when the channel returned by Timeout fires. It
// produces this validator's vote to advance to the next view and rearms
// the timer with the same delay.
func (d *Driver) OnTimeout() (signed.SignedMessage[chain.ViewChange], error) {
	d.mu.Lock()
	d.targetView = d.viewNumber + 1
	vote := chain.ViewChange{BlockNumber: d.blockNumber, NewViewNumber: d.targetView}
	d.timer = d.clock.After(d.delay)
	d.mu.Unlock()

	signedVote, err := signed.Sign(vote, uint16(d.selfIdx), d.kp)
	if err != nil {
		return signed.SignedMessage[chain.ViewChange]{}, fmt.Errorf("sign view change: %w", err)
	}
	return signedVote, nil
}

// OnViewChangeVote verifies and accumulates a peer's view-change vote.
// It returns the aggregate proof and true once a super-majority for the
// current target view has been reached, at which point the caller
// should adopt the new view (via AdvanceView) and, if it is now this
// validator's turn, produce a block.
func (d *Driver) OnViewChangeVote(pk *blssig.PublicKey, vote signed.SignedMessage[chain.ViewChange], committeeSize int) (*chain.ViewChangeProof, bool) {
	if !vote.Verify(pk) {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if vote.Message.BlockNumber != d.blockNumber {
		return nil, false
	}
	if d.proof == nil || d.targetView != vote.Message.NewViewNumber {
		d.proof = signed.NewAggregateProof[chain.ViewChange]()
		d.targetView = vote.Message.NewViewNumber
	}
	if d.proof.Contains(vote) {
		return nil, false
	}
	d.proof.Add(pk, vote)
	if d.proof.SignerCount() < signed.SuperMajority(committeeSize) {
		return nil, false
	}
	return d.proof, true
}

// AdvanceView adopts a new view reached via a view-change proof,
// rearming the timer for the new view.
func (d *Driver) AdvanceView(newView uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.viewNumber = newView
	d.proof = nil
	d.timer = d.clock.After(d.delay)
}

// ProduceMicroBlock assembles a candidate micro block for the current
// height and view, signing it with kp. The returned block carries
// whatever view-change proof was required to reach the current view
// (nil at view 0) and as many buffered fork proofs as fit the
// policy.ForkProofsMaxSize budget.
func (d *Driver) ProduceMicroBlock(viewChangeProof *chain.ViewChangeProof) (*chain.MicroBlock, error) {
	d.mu.Lock()
	blockNumber := d.blockNumber
	viewNumber := d.viewNumber
	parentHash := d.parentHash
	d.mu.Unlock()

	txs := d.mempool.ForProducing(policy.MicroBodyMaxBytes)
	body := d.assembler.AssembleMicroBody(chain.MicroHeader{
		BlockNumber: blockNumber,
		ViewNumber:  viewNumber,
		ParentHash:  parentHash,
	}, txs)
	d.mempool.Remove(txs)
	bodyHash := blake2b.Sum256(body)

	header := chain.MicroHeader{
		BlockNumber: blockNumber,
		ViewNumber:  viewNumber,
		Producer:    d.selfIdx,
		ParentHash:  parentHash,
		Timestamp:   uint64(d.clock.Now().Unix()),
		BodyHash:    bodyHash,
	}
	headerHash := blake2b.Sum256(encodeHeader(header))
	sig := d.kp.Sign(headerHash[:])

	return &chain.MicroBlock{
		Header:          header,
		BlockSignature:  sig,
		ForkProofs:      d.forkProofs.ForProducing(policy.ForkProofsMaxSize),
		ViewChangeProof: viewChangeProof,
		Body:            body,
	}, nil
}

// encodeHeader produces the fixed-layout byte form of a micro header
// that gets hashed and signed to authenticate the block.
func encodeHeader(h chain.MicroHeader) []byte {
	buf := make([]byte, 0, 4+4+2+32+8+32)
	buf = appendUint32(buf, h.BlockNumber)
	buf = appendUint32(buf, h.ViewNumber)
	buf = appendUint16(buf, uint16(h.Producer))
	buf = append(buf, h.ParentHash[:]...)
	buf = appendUint64(buf, h.Timestamp)
	buf = append(buf, h.BodyHash[:]...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
