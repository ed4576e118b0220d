package macro

import (
	"testing"
	"time"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/macrostate"
)

type fakeClock struct{ t time.Time }

func (f fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (f fakeClock) Now() time.Time                       { return f.t }

type staticAssembler struct{}

func (staticAssembler) AssembleMacroBody(parent chain.MacroHeader, round uint64, isElection bool) (*committee.Committee, []byte) {
	return nil, []byte("body")
}

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

func newDriver(t *testing.T, idx committee.Id, seed byte) (*Driver, *blssig.KeyPair) {
	t.Helper()
	store, err := macrostate.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	kp := mustKeyPair(t, seed)
	d := NewDriver(idx, kp, store, staticAssembler{}, fakeClock{t: time.Unix(100, 0)}, time.Second, nil)
	return d, kp
}

func TestSingleHeightReachesDecision(t *testing.T) {
	const committeeSize = 4
	drivers := make([]*Driver, committeeSize)
	kps := make([]*blssig.KeyPair, committeeSize)
	for i := 0; i < committeeSize; i++ {
		drivers[i], kps[i] = newDriver(t, committee.Id(i), byte(i+1))
		if err := drivers[i].StartHeight(1); err != nil {
			t.Fatalf("start height %d: %v", i, err)
		}
	}

	parent := chain.MacroHeader{BlockNumber: 0}
	proposerReturn, err := drivers[0].Propose(parent, false)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposerReturn.Kind != ReturnProposal {
		t.Fatalf("propose kind = %v, want ReturnProposal", proposerReturn.Kind)
	}
	proposal := proposerReturn.Proposal

	prevotes := make([]*TendermintReturn, committeeSize)
	for i, d := range drivers {
		ret, err := d.OnProposal(0, proposal)
		if err != nil {
			t.Fatalf("on proposal %d: %v", i, err)
		}
		prevotes[i] = ret
	}

	// Every validator independently aggregates the same prevotes and
	// produces its own signed precommit once it sees a super-majority.
	precommits := make([]*TendermintReturn, committeeSize)
	for i, d := range drivers {
		for j := 0; j < committeeSize; j++ {
			ret, err := d.OnPrevote(kps[j].Public, *prevotes[j].Prevote, committeeSize)
			if err != nil {
				t.Fatalf("on prevote (driver %d, vote %d): %v", i, j, err)
			}
			if ret.Kind == ReturnPrecommit {
				precommits[i] = ret
				break
			}
		}
		if precommits[i] == nil {
			t.Fatalf("driver %d never reached a super-majority of prevotes", i)
		}
	}

	var decision *TendermintReturn
	for i := 0; i < committeeSize; i++ {
		ret, err := drivers[0].OnPrecommit(kps[i].Public, *precommits[i].Precommit, committeeSize)
		if err != nil {
			t.Fatalf("on precommit %d: %v", i, err)
		}
		if ret.Kind == ReturnDecision {
			decision = ret
			break
		}
	}
	if decision == nil {
		t.Fatalf("expected a super-majority of precommits to yield a decision")
	}
	if decision.Decision.Header.BlockNumber != proposal.Header.BlockNumber {
		t.Fatalf("decided block number mismatch")
	}
}

func TestStartHeightResumesPersistedStateAtSameHeight(t *testing.T) {
	d, _ := newDriver(t, 0, 1)
	if err := d.StartHeight(5); err != nil {
		t.Fatalf("start height: %v", err)
	}
	if err := d.AdvanceRound(); err != nil {
		t.Fatalf("advance round: %v", err)
	}
	if d.Round() != 1 {
		t.Fatalf("round = %d, want 1", d.Round())
	}

	if err := d.StartHeight(5); err != nil {
		t.Fatalf("resume start height: %v", err)
	}
	if d.Round() != 1 {
		t.Fatalf("resumed round = %d, want 1 (persisted state must survive restart)", d.Round())
	}
}

func TestStartHeightDiscardsStateFromDifferentHeight(t *testing.T) {
	d, _ := newDriver(t, 0, 1)
	if err := d.StartHeight(5); err != nil {
		t.Fatalf("start height: %v", err)
	}
	if err := d.AdvanceRound(); err != nil {
		t.Fatalf("advance round: %v", err)
	}

	if err := d.StartHeight(6); err != nil {
		t.Fatalf("start next height: %v", err)
	}
	if d.Round() != 0 {
		t.Fatalf("round at new height = %d, want 0 (stale state must not leak across heights)", d.Round())
	}
}
