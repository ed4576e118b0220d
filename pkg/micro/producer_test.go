package micro

import (
	"testing"
	"time"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/mempool"
	"github.com/albatross-chain/validator/pkg/signed"
)

// fakeClock lets tests fire the view-change timer deterministically.
type fakeClock struct {
	ch chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{ch: make(chan time.Time, 1)} }

func (f *fakeClock) After(time.Duration) <-chan time.Time { return f.ch }
func (f *fakeClock) Now() time.Time                       { return time.Unix(1000, 0) }
func (f *fakeClock) fire()                                { f.ch <- time.Unix(0, 0) }

func mustKeyPair(t *testing.T, seed byte) *blssig.KeyPair {
	t.Helper()
	material := make([]byte, 32)
	for i := range material {
		material[i] = seed
	}
	kp, err := blssig.GenerateKeyPair(material)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func TestProduceMicroBlockIncludesPendingTxsAndForkProofs(t *testing.T) {
	kp := mustKeyPair(t, 1)
	pool := mempool.New()
	pool.Add(mempool.Tx{Bytes: []byte("tx-a")})
	fp := forkproof.New()
	fp.Insert(forkproof.Proof{
		Header1: forkproof.Header{BlockNumber: 3, BodyHash: [32]byte{1}},
		Header2: forkproof.Header{BlockNumber: 3, BodyHash: [32]byte{2}},
	})

	clock := newFakeClock()
	d := NewDriver(0, kp, pool, fp, nil, clock, nil)
	d.Reset(5, [32]byte{9})

	block, err := d.ProduceMicroBlock(nil)
	if err != nil {
		t.Fatalf("produce micro block: %v", err)
	}
	if block.Header.BlockNumber != 5 {
		t.Fatalf("block number = %d, want 5", block.Header.BlockNumber)
	}
	if block.Header.ParentHash != [32]byte{9} {
		t.Fatalf("parent hash mismatch")
	}
	txs, err := mempool.DecodeBody(block.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(txs) != 1 || string(txs[0]) != "tx-a" {
		t.Fatalf("unexpected body contents: %v", txs)
	}
	if len(block.ForkProofs) != 1 {
		t.Fatalf("block carries %d fork proofs, want 1", len(block.ForkProofs))
	}
}

func TestViewChangeReachesSuperMajority(t *testing.T) {
	const committeeSize = 4
	kps := make([]*blssig.KeyPair, committeeSize)
	for i := range kps {
		kps[i] = mustKeyPair(t, byte(i))
	}

	drivers := make([]*Driver, committeeSize)
	for i := range drivers {
		clock := newFakeClock()
		drivers[i] = NewDriver(committee.Id(i), kps[i], mempool.New(), forkproof.New(), nil, clock, nil)
		drivers[i].Reset(1, [32]byte{})
	}

	votes := make([]signed.SignedMessage[chain.ViewChange], committeeSize)
	for i, d := range drivers {
		v, err := d.OnTimeout()
		if err != nil {
			t.Fatalf("on timeout %d: %v", i, err)
		}
		votes[i] = v
	}

	observer := drivers[0]
	var reached bool
	for i := 1; i < committeeSize; i++ {
		_, reached = observer.OnViewChangeVote(kps[i].Public, votes[i], committeeSize)
		if reached {
			break
		}
	}
	if !reached {
		t.Fatalf("expected super-majority of %d votes to be reached", committeeSize)
	}
}

func TestIsOwnTurnMatchesProposerForRound(t *testing.T) {
	cm := committee.Committee{}
	kp := mustKeyPair(t, 7)
	clock := newFakeClock()
	d := NewDriver(0, kp, mempool.New(), forkproof.New(), nil, clock, nil)
	d.Reset(1, [32]byte{})
	if !d.IsOwnTurn(cm) {
		t.Fatalf("slot 0 must be proposer at view 0 under round-robin selection")
	}
}
