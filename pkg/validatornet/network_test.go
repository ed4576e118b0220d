package validatornet

import (
	"testing"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/signed"
)

func TestCacheRoundTrip(t *testing.T) {
	n := &Network{cache: make(map[string][]byte)}
	n.Cache("k", []byte("v"))
	got, ok := n.CacheGet("k")
	if !ok || string(got) != "v" {
		t.Fatalf("cache round trip failed: %v %v", got, ok)
	}
	if _, ok := n.CacheGet("missing"); ok {
		t.Fatalf("expected missing key to report not found")
	}
}

func TestIdentityRecordVerifiesUnderSignerKey(t *testing.T) {
	kp, err := blssig.GenerateKeyPair(make([]byte, 32))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	pkBytes, err := blssig.MarshalPublicKey(kp.Public)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pok := signed.ProofOfKnowledge{PeerID: []byte("peer-1"), PublicKey: pkBytes}
	sm, err := signed.Sign(pok, 2, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := identityRecord{SlotIdx: committee.Id(2), Signed: sm}

	if !rec.Signed.Verify(kp.Public) {
		t.Fatalf("identity record must verify under its own signer's key")
	}

	other, err := blssig.GenerateKeyPair(bytes32(1))
	if err != nil {
		t.Fatalf("generate other key pair: %v", err)
	}
	if rec.Signed.Verify(other.Public) {
		t.Fatalf("identity record must not verify under a different key")
	}
}

func bytes32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}
