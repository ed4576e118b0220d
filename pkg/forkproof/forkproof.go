// Package forkproof holds slashing evidence for equivocating micro-block
// producers, and the pool that buffers it between blockchain extensions,
// finalizations, and rebranches.
package forkproof

import (
	"sync"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/committee"
)

// Header is the minimal, signable identity of a micro block: enough to
// prove two distinct blocks were produced for the same height by the
// same producer.
type Header struct {
	BlockNumber uint32
	ViewNumber  uint32
	Producer    committee.Id
	BodyHash    [32]byte
	Signature   blssig.Signature
}

// Proof is evidence that a single producer signed two distinct headers
// at the same height: an equivocation. Both signatures must verify and
// the headers must differ.
type Proof struct {
	Header1 Header
	Header2 Header
}

// Valid reports whether proof is well-formed evidence: same producer
// and height, distinct bodies, both signatures verifying under pk.
func (p Proof) Valid(pk *blssig.PublicKey) bool {
	if p.Header1.Producer != p.Header2.Producer {
		return false
	}
	if p.Header1.BlockNumber != p.Header2.BlockNumber {
		return false
	}
	if p.Header1.BodyHash == p.Header2.BodyHash {
		return false
	}
	return blssig.Verify(pk, p.Header1.BodyHash[:], p.Header1.Signature) &&
		blssig.Verify(pk, p.Header2.BodyHash[:], p.Header2.Signature)
}

// key identifies a proof for dedup/removal purposes: producer + height
// + the pair of body hashes is what makes two equivocation reports the
// same piece of evidence.
type key struct {
	producer    committee.Id
	blockNumber uint32
	h1, h2      [32]byte
}

func keyOf(p Proof) key {
	return key{
		producer:    p.Header1.Producer,
		blockNumber: p.Header1.BlockNumber,
		h1:          p.Header1.BodyHash,
		h2:          p.Header2.BodyHash,
	}
}

// IncludedBlock abstracts the subset of a produced block the pool needs
// to apply/revert fork proofs against: which proofs it carried.
type IncludedBlock interface {
	IncludedForkProofs() []Proof
}

// Pool buffers fork proofs between the time they are detected on the
// network and the time they are included (or no longer relevant,
// e.g. superseded by a rebranch).
type Pool struct {
	mu      sync.Mutex
	pending map[key]Proof
	order   []key // insertion order, for deterministic budget-bound extraction
}

// New returns an empty fork-proof pool.
func New() *Pool {
	return &Pool{pending: make(map[key]Proof)}
}

// Insert adds proof to the pool. Re-inserting an already-known proof is
// a no-op.
func (p *Pool) Insert(proof Proof) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyOf(proof)
	if _, ok := p.pending[k]; ok {
		return
	}
	p.pending[k] = proof
	p.order = append(p.order, k)
}

// ApplyBlock removes every proof that block carried, because they are
// now durably recorded on-chain and no longer need to be held pending.
func (p *Pool) ApplyBlock(block IncludedBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proof := range block.IncludedForkProofs() {
		p.remove(keyOf(proof))
	}
}

// RevertBlock reinserts every proof that block carried, because the
// block is no longer part of the active chain (rebranch away from it)
// and its evidence must become eligible for inclusion again.
func (p *Pool) RevertBlock(block IncludedBlock) {
	for _, proof := range block.IncludedForkProofs() {
		p.Insert(proof)
	}
}

func (p *Pool) remove(k key) {
	if _, ok := p.pending[k]; !ok {
		return
	}
	delete(p.pending, k)
	for i, oi := range p.order {
		if oi == k {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// approxSize is a rough per-proof byte cost used to respect the byte
// budget passed to ForProducing, mirroring the fixed-size header
// encoding (two headers, each a handful of fields plus a signature).
const approxSize = 200

// ForProducing returns the longest prefix of pending proofs, in
// insertion order, whose total approximate size fits within budget
// bytes.
func (p *Pool) ForProducing(budget int) []Proof {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Proof
	used := 0
	for _, k := range p.order {
		if used+approxSize > budget {
			break
		}
		out = append(out, p.pending[k])
		used += approxSize
	}
	return out
}

// Len reports how many fork proofs are currently buffered.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
