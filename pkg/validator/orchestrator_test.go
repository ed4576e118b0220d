package validator

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/macrostate"
	"github.com/albatross-chain/validator/pkg/mempool"
	"github.com/albatross-chain/validator/pkg/micro"
	"github.com/albatross-chain/validator/pkg/signed"
	"github.com/albatross-chain/validator/pkg/validatornet"
)

// stubNetwork is a no-op validatornet.ValidatorNetwork used to exercise
// the orchestrator without a real libp2p transport.
type stubNetwork struct {
	inbound   chan validatornet.InboundMessage
	published [][2]string
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{inbound: make(chan validatornet.InboundMessage, 8)}
}

func (s *stubNetwork) SetPublicKey(committee.Id, *blssig.PublicKey)       {}
func (s *stubNetwork) GetValidatorPeer(committee.Id) (peer.ID, bool)      { return "", false }
func (s *stubNetwork) SendTo(context.Context, committee.Id, []byte) error { return nil }
func (s *stubNetwork) Receive() <-chan validatornet.InboundMessage        { return s.inbound }
func (s *stubNetwork) Publish(_ context.Context, topic string, data []byte) error {
	s.published = append(s.published, [2]string{topic, string(data)})
	return nil
}
func (s *stubNetwork) Subscribe(string) (<-chan []byte, error) { return make(chan []byte), nil }
func (s *stubNetwork) Cache(string, []byte)                    {}
func (s *stubNetwork) CacheGet(string) ([]byte, bool)           { return nil, false }

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

type fakeClock struct{ t time.Time }

func (f fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (f fakeClock) Now() time.Time                       { return f.t }

func TestInitEpochMarksValidatorActiveWhenInCommittee(t *testing.T) {
	kp := mustKeyPair(t, 1)
	cm := committee.Committee{
		Validators: committee.Validators{{PublicKey: kp.Public, NumSlots: 4}},
	}
	cm.Slots[0] = committee.Slot{PublicKey: kp.Public}
	cm.Slots[1] = committee.Slot{PublicKey: kp.Public}
	cm.Slots[2] = committee.Slot{PublicKey: kp.Public}
	cm.Slots[3] = committee.Slot{PublicKey: kp.Public}

	genesis := &chain.MacroBlock{Header: chain.MacroHeader{BlockNumber: 0}}
	mc := chain.NewMemChain(genesis, cm)
	store, err := macrostate.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open macro store: %v", err)
	}
	defer store.Close()

	v := New(Config{
		Blockchain: mc,
		Network:    newStubNetwork(),
		Mempool:    mempool.New(),
		ForkProofs: forkproof.New(),
		MacroStore: store,
		SigningKey: kp,
		Clock:      fakeClock{t: time.Unix(1, 0)},
	})

	if !v.IsActive() {
		t.Fatalf("expected validator holding a committee slot to be active")
	}
}

func TestInitEpochMarksValidatorInactiveWhenNotInCommittee(t *testing.T) {
	memberKp := mustKeyPair(t, 1)
	outsiderKp := mustKeyPair(t, 2)
	cm := committee.Committee{
		Validators: committee.Validators{{PublicKey: memberKp.Public, NumSlots: 4}},
	}
	for i := range cm.Slots {
		cm.Slots[i] = committee.Slot{PublicKey: memberKp.Public}
	}

	genesis := &chain.MacroBlock{Header: chain.MacroHeader{BlockNumber: 0}}
	mc := chain.NewMemChain(genesis, cm)
	store, err := macrostate.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open macro store: %v", err)
	}
	defer store.Close()

	v := New(Config{
		Blockchain: mc,
		Network:    newStubNetwork(),
		Mempool:    mempool.New(),
		ForkProofs: forkproof.New(),
		MacroStore: store,
		SigningKey: outsiderKp,
		Clock:      fakeClock{t: time.Unix(1, 0)},
	})

	if v.IsActive() {
		t.Fatalf("expected validator outside the committee to be inactive")
	}
}

// TestOnVoteMessageAdvancesMicroViewOnSuperMajority exercises the
// network-dispatch path a running validator needs to ever observe peer
// view-change votes: onVoteMessage must decode each wireVote-wrapped
// vote, verify it against the sender's committee slot, and feed it to
// the active micro driver, exactly as if it had arrived over
// validatornet.TopicVotes.
func TestOnVoteMessageAdvancesMicroViewOnSuperMajority(t *testing.T) {
	const committeeSize = 4
	kps := make([]*blssig.KeyPair, committeeSize)
	for i := range kps {
		kps[i] = mustKeyPair(t, byte(i+1))
	}
	cm := committee.Committee{}
	for i := range cm.Slots {
		cm.Slots[i] = committee.Slot{PublicKey: kps[i].Public}
	}

	genesis := &chain.MacroBlock{Header: chain.MacroHeader{BlockNumber: 0}}
	mc := chain.NewMemChain(genesis, cm)

	pool := mempool.New()
	fp := forkproof.New()
	clock := fakeClock{t: time.Unix(1, 0)}
	microDriver := micro.NewDriver(0, kps[0], pool, fp, nil, clock, nil)
	microDriver.Reset(1, [32]byte{})

	v := &Validator{
		blockchain:  mc,
		network:     newStubNetwork(),
		mempool:     pool,
		forkProofs:  fp,
		signingKey:  kps[0],
		clock:       clock,
		epoch:       epochState{slot: 0},
		microDriver: microDriver,
	}

	ctx := context.Background()
	for i := 1; i < committeeSize; i++ {
		vote := chain.ViewChange{BlockNumber: 1, NewViewNumber: 1}
		signedVote, err := signed.Sign(vote, uint16(i), kps[i])
		if err != nil {
			t.Fatalf("sign view change %d: %v", i, err)
		}
		inner, err := gobEncode(signedVote)
		if err != nil {
			t.Fatalf("encode vote %d: %v", i, err)
		}
		envelope, err := gobEncode(wireVote{Kind: voteKindViewChange, Data: inner})
		if err != nil {
			t.Fatalf("encode envelope %d: %v", i, err)
		}
		v.onVoteMessage(ctx, envelope)
	}

	if v.pendingViewChangeProof == nil {
		t.Fatalf("expected a super-majority of view-change votes to set a pending proof")
	}
	if got := v.pendingViewChangeProof.SignerCount(); got < signed.SuperMajority(committeeSize) {
		t.Fatalf("pending proof signer count = %d, want at least %d", got, signed.SuperMajority(committeeSize))
	}
}

// TestOnExtendedPrunesMempoolForAppliedMicroBlock exercises the
// received-block half of mempool pruning: a micro block that reaches
// the chain head (whether produced locally or received over the
// network) must have its included transactions removed from the pool
// so they are never re-included in a later block.
func TestOnExtendedPrunesMempoolForAppliedMicroBlock(t *testing.T) {
	pool := mempool.New()
	pool.Add(mempool.Tx{Bytes: []byte("tx-a")})
	pool.Add(mempool.Tx{Bytes: []byte("tx-b")})
	fp := forkproof.New()

	genesis := &chain.MacroBlock{Header: chain.MacroHeader{BlockNumber: 0}}
	cm := committee.Committee{}
	mc := chain.NewMemChain(genesis, cm)

	v := &Validator{
		blockchain: mc,
		mempool:    pool,
		forkProofs: fp,
	}

	body, err := mempool.EncodeBody([][]byte{[]byte("tx-a")})
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	block := chain.Block{MicroBlock: &chain.MicroBlock{
		Header: chain.MicroHeader{BlockNumber: 1, ParentHash: chain.HashBlock(chain.Block{MacroBlock: genesis})},
		Body:   body,
	}}
	hash := chain.HashBlock(block)
	mc.Push(block)
	<-mc.Events()

	v.onExtended(hash)

	if pool.Len() != 1 {
		t.Fatalf("mempool length after pruning = %d, want 1", pool.Len())
	}
}
