// Package signed implements the domain-separated signing scheme shared
// by every vote type in the validator core (view changes, Tendermint
// prepare/commit votes, and proof-of-knowledge statements), plus the
// aggregate-signature proof that compacts many such votes into one
// BLS aggregate and a signer bitset.
package signed

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/policy"
)

// Prefix tags domain-separate every signed message kind. Verifying a
// message under the wrong prefix must always fail.
type Prefix byte

const (
	PrefixViewChange Prefix = 0x01
	PrefixPrepare    Prefix = 0x02
	PrefixCommit     Prefix = 0x03
	PrefixPoKoSK     Prefix = 0x04
)

// ProofOfKnowledge is signed by a validator to prove it holds the
// secret key behind a public key it is announcing, binding that public
// key to a specific network peer identity. Used when a validator
// publishes its identity record for the rest of the committee to
// discover.
type ProofOfKnowledge struct {
	PeerID    []byte
	PublicKey []byte
}

func (ProofOfKnowledge) Prefix() Prefix { return PrefixPoKoSK }

// Message is anything that can be hashed-then-signed under a fixed
// domain prefix.
type Message interface {
	Prefix() Prefix
}

// HashWithPrefix computes Blake2b(prefix ‖ gob(message)), the digest
// that gets signed and verified for every vote in the system.
func HashWithPrefix(m Message) ([32]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Prefix()))
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return [32]byte{}, fmt.Errorf("encode signed message: %w", err)
	}
	return blake2b.Sum256(buf.Bytes()), nil
}

// SignedMessage is a message together with the index of its signer
// within the current committee and the signature over its
// domain-separated digest.
type SignedMessage[M Message] struct {
	Message M
	PkIdx   uint16
	Sig     blssig.Signature
}

// Sign produces a SignedMessage for m signed by kp, recording signerIdx
// (the signer's committee slot index) as PkIdx.
func Sign[M Message](m M, signerIdx uint16, kp *blssig.KeyPair) (SignedMessage[M], error) {
	digest, err := HashWithPrefix(m)
	if err != nil {
		return SignedMessage[M]{}, err
	}
	return SignedMessage[M]{
		Message: m,
		PkIdx:   signerIdx,
		Sig:     kp.Sign(digest[:]),
	}, nil
}

// Verify checks the signature against the supplied public key, which
// must be the committee member at PkIdx.
func (s SignedMessage[M]) Verify(pk *blssig.PublicKey) bool {
	digest, err := HashWithPrefix(s.Message)
	if err != nil {
		return false
	}
	return blssig.Verify(pk, digest[:], s.Sig)
}

// ErrOverlapping is returned by Merge when two proofs share a signer.
var ErrOverlapping = fmt.Errorf("aggregate proof: overlapping signer sets")

// AggregateProof accumulates BLS signatures from distinct committee
// members into one aggregate signature, tracking which slots have
// contributed in a bitset and the ordered public keys of contributors
// (used to re-verify the aggregate; circl's bls package does not expose
// point-level public key aggregation, so the constituent keys are kept
// instead of a single combined point — functionally equivalent for
// verification purposes).
type AggregateProof[M Message] struct {
	Signers    *bitset.BitSet
	PublicKeys []*blssig.PublicKey // in the order their signers were added
	Signature  blssig.Signature
}

// NewAggregateProof returns an empty proof ready to accumulate
// contributions for committees up to policy.ActiveValidators members.
func NewAggregateProof[M Message]() *AggregateProof[M] {
	return &AggregateProof[M]{
		Signers: bitset.New(uint(policy.ActiveValidators)),
	}
}

// Contains reports whether signed's signer index has already
// contributed to the proof.
func (p *AggregateProof[M]) Contains(signed SignedMessage[M]) bool {
	return p.Signers.Test(uint(signed.PkIdx))
}

// Add merges a pre-verified signed message into the proof. The caller
// must have already verified signed.Sig against pk. Adding the same
// signer index twice is a no-op, which is what makes gossip-based vote
// collection safe against duplicate delivery.
func (p *AggregateProof[M]) Add(pk *blssig.PublicKey, signed SignedMessage[M]) {
	idx := uint(signed.PkIdx)
	if p.Signers.Test(idx) {
		return
	}
	p.Signers.Set(idx)
	p.PublicKeys = append(p.PublicKeys, pk)
	if p.Signature == nil {
		p.Signature = append(blssig.Signature(nil), signed.Sig...)
		return
	}
	agg, err := blssig.Aggregate([]blssig.Signature{p.Signature, signed.Sig})
	if err != nil {
		// Caller guarantees signed.Sig was verified under pk; a valid
		// BLS signature always aggregates, so this can only happen on
		// programmer error (e.g. malformed signature bytes slipped past
		// verification).
		panic(fmt.Errorf("aggregate proof add: %w", err))
	}
	p.Signature = agg
}

// Merge combines two disjoint proofs into p. Any shared signer index
// between p and other is rejected with ErrOverlapping, preserving the
// "each signature counted once" invariant needed for threshold
// soundness.
func (p *AggregateProof[M]) Merge(other *AggregateProof[M]) error {
	if p.Signers.IntersectionCardinality(other.Signers) != 0 {
		return ErrOverlapping
	}
	if other.Signature == nil {
		return nil
	}
	if p.Signature == nil {
		p.Signature = append(blssig.Signature(nil), other.Signature...)
	} else {
		agg, err := blssig.Aggregate([]blssig.Signature{p.Signature, other.Signature})
		if err != nil {
			return fmt.Errorf("aggregate proof merge: %w", err)
		}
		p.Signature = agg
	}
	p.Signers.InPlaceUnion(other.Signers)
	p.PublicKeys = append(p.PublicKeys, other.PublicKeys...)
	return nil
}

// Verify reports whether the aggregate signature verifies over message
// and, if threshold is non-nil, that at least that many distinct
// signers contributed.
func (p *AggregateProof[M]) Verify(message M, threshold *int) bool {
	if threshold != nil && int(p.Signers.Count()) < *threshold {
		return false
	}
	if p.Signature == nil {
		return false
	}
	digest, err := HashWithPrefix(message)
	if err != nil {
		return false
	}
	return blssig.VerifyAggregate(p.PublicKeys, digest[:], p.Signature)
}

// wireAggregateProof is the flat, fully-exported shape AggregateProof
// marshals to. circl's public key type carries unexported internal
// curve-point state, so it cannot be gob-encoded directly; it is
// serialized through blssig.MarshalPublicKey/UnmarshalPublicKey instead.
type wireAggregateProof struct {
	SignersBytes []byte
	PublicKeys   [][]byte
	Signature    []byte
}

// GobEncode implements gob.GobEncoder so AggregateProof can be embedded
// in gob-encoded blocks (MacroBlock.Justification,
// MicroBlock.ViewChangeProof) and round-tripped bit-identically.
func (p *AggregateProof[M]) GobEncode() ([]byte, error) {
	signersBytes, err := p.Signers.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode aggregate proof signers: %w", err)
	}
	pks := make([][]byte, len(p.PublicKeys))
	for i, pk := range p.PublicKeys {
		b, err := blssig.MarshalPublicKey(pk)
		if err != nil {
			return nil, fmt.Errorf("encode aggregate proof public key %d: %w", i, err)
		}
		pks[i] = b
	}
	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(wireAggregateProof{
		SignersBytes: signersBytes,
		PublicKeys:   pks,
		Signature:    p.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode aggregate proof: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder, the inverse of GobEncode.
func (p *AggregateProof[M]) GobDecode(data []byte) error {
	var w wireAggregateProof
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode aggregate proof: %w", err)
	}
	signers := &bitset.BitSet{}
	if err := signers.UnmarshalBinary(w.SignersBytes); err != nil {
		return fmt.Errorf("decode aggregate proof signers: %w", err)
	}
	pks := make([]*blssig.PublicKey, len(w.PublicKeys))
	for i, b := range w.PublicKeys {
		pk, err := blssig.UnmarshalPublicKey(b)
		if err != nil {
			return fmt.Errorf("decode aggregate proof public key %d: %w", i, err)
		}
		pks[i] = pk
	}
	p.Signers = signers
	p.PublicKeys = pks
	p.Signature = w.Signature
	return nil
}

// SignerCount returns the number of distinct signers that have
// contributed to the proof so far.
func (p *AggregateProof[M]) SignerCount() int {
	return int(p.Signers.Count())
}

// SuperMajority returns the minimum signer count that is strictly more
// than two thirds of the committee.
func SuperMajority(committeeSize int) int {
	return committeeSize*2/3 + 1
}
