// Package blssig wraps the BLS12-381 signature scheme used to sign and
// aggregate validator votes. Public keys live in G1, signatures in G2,
// matching the scheme the teacher's crypto package was built on.
package blssig

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

// PublicKey and PrivateKey are the compressed-point BLS key types used
// throughout the validator core: signing votes, blocks, and
// proof-of-knowledge statements.
type PublicKey = bls.PublicKey[scheme]
type PrivateKey = bls.PrivateKey[scheme]

// Signature is a raw BLS signature, always verified/aggregated against a
// domain-separated digest (see package signed).
type Signature = []byte

// KeyPair bundles a validator's signing key and its public counterpart.
type KeyPair struct {
	Secret *PrivateKey
	Public *PublicKey
}

// GenerateKeyPair derives a BLS key pair from seed material. Seed must be
// at least 32 bytes of high-entropy data; it is never reused by the
// caller for anything else.
func GenerateKeyPair(seed []byte) (*KeyPair, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &KeyPair{Secret: sk, Public: sk.PublicKey()}, nil
}

// Sign signs a pre-hashed, domain-separated digest.
func (kp *KeyPair) Sign(digest []byte) Signature {
	return bls.Sign(kp.Secret, digest)
}

// Verify checks a single signature against a public key and digest.
func Verify(pk *PublicKey, digest []byte, sig Signature) bool {
	return bls.Verify(pk, digest, bls.Signature(sig))
}

// Aggregate combines signatures over the same digest into one aggregate
// signature. Order of sigs does not matter.
func Aggregate(sigs []Signature) (Signature, error) {
	converted := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s) == 0 {
			continue
		}
		converted = append(converted, bls.Signature(s))
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("bls aggregate: no signatures to combine")
	}
	agg, err := bls.Aggregate(bls.G1{}, converted)
	if err != nil {
		return nil, fmt.Errorf("bls aggregate: %w", err)
	}
	return agg, nil
}

// MarshalPublicKey returns the compressed byte encoding of pk.
func MarshalPublicKey(pk *PublicKey) ([]byte, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bls public key: %w", err)
	}
	return b, nil
}

// UnmarshalPublicKey parses the compressed byte encoding produced by
// MarshalPublicKey.
func UnmarshalPublicKey(b []byte) (*PublicKey, error) {
	pk := new(PublicKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("unmarshal bls public key: %w", err)
	}
	return pk, nil
}

// VerifyAggregate checks an aggregate signature produced by Aggregate
// against the ordered list of public keys that contributed to it, all
// signing the same digest.
func VerifyAggregate(pks []*PublicKey, digest []byte, aggSig Signature) bool {
	if len(pks) == 0 || len(aggSig) == 0 {
		return false
	}
	msgs := make([][]byte, len(pks))
	for i := range pks {
		msgs[i] = digest
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}
