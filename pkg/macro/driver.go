// Package macro implements the Tendermint-style, three-phase
// (propose/prevote/precommit) protocol used to finalize macro blocks at
// epoch boundaries with an aggregate BLS commit signature. Every vote
// this validator is about to cast is durably persisted first, so a
// restart mid-round can resume without ever double-voting.
package macro

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/macrostate"
	"github.com/albatross-chain/validator/pkg/signed"
	"github.com/albatross-chain/validator/pkg/util"
)

// ReturnKind tags what a Driver step produced.
type ReturnKind int

const (
	ReturnNothing ReturnKind = iota
	ReturnProposal
	ReturnPrevote
	ReturnPrecommit
	ReturnDecision
)

// TendermintReturn is what every Driver method yields: a vote or
// proposal to broadcast, a final decision, or nothing.
type TendermintReturn struct {
	Kind      ReturnKind
	Proposal  *chain.MacroBlock
	Prevote   *signed.SignedMessage[chain.Prepare]
	Precommit *signed.SignedMessage[chain.Commit]
	Decision  *chain.MacroBlock
}

type voteKey struct {
	round uint64
	value [32]byte
}

// defaultAssembler produces an empty, non-election macro block body. It
// is only ever reached when a caller constructs a Driver without
// supplying its own chain.MacroBodyAssembler.
type defaultAssembler struct{}

func (defaultAssembler) AssembleMacroBody(_ chain.MacroHeader, _ uint64, _ bool) (*committee.Committee, []byte) {
	return nil, nil
}

// Driver runs one height's worth of Tendermint rounds.
type Driver struct {
	selfIdx   committee.Id
	kp        *blssig.KeyPair
	store     *macrostate.Store
	assembler chain.MacroBodyAssembler
	clock     util.Clock
	delay     time.Duration
	log       util.Logger

	mu          sync.Mutex
	height      uint32
	round       uint64
	step        macrostate.Step
	lockedRound *uint64
	lockedValue *[32]byte
	validRound  *uint64
	validValue  *[32]byte
	proposals   map[uint64]*chain.MacroBlock
	prevotes    map[voteKey]*chain.PrepareProof
	precommits  map[voteKey]*chain.CommitProof
	timer       <-chan time.Time
}

// NewDriver returns a driver for committee slot selfIdx, persisting
// round-resumption state to store. A nil assembler defaults to
// defaultAssembler{}, mirroring micro.NewDriver's nil-assembler default.
func NewDriver(selfIdx committee.Id, kp *blssig.KeyPair, store *macrostate.Store, assembler chain.MacroBodyAssembler, clock util.Clock, roundTimeout time.Duration, log util.Logger) *Driver {
	if assembler == nil {
		assembler = defaultAssembler{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Driver{
		selfIdx:    selfIdx,
		kp:         kp,
		store:      store,
		assembler:  assembler,
		clock:      clock,
		delay:      roundTimeout,
		proposals:  make(map[uint64]*chain.MacroBlock),
		prevotes:   make(map[voteKey]*chain.PrepareProof),
		precommits: make(map[voteKey]*chain.CommitProof),
		log:        log,
	}
}

// StartHeight resumes persisted state for height if present (and that
// state was written for this same height), or starts a fresh round 0.
func (d *Driver) StartHeight(height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.height = height
	d.proposals = make(map[uint64]*chain.MacroBlock)
	d.prevotes = make(map[voteKey]*chain.PrepareProof)
	d.precommits = make(map[voteKey]*chain.CommitProof)
	d.timer = d.clock.After(d.delay)

	st, ok, err := d.store.Load(height)
	if err != nil {
		return fmt.Errorf("resume macro round: %w", err)
	}
	if !ok {
		d.round = 0
		d.step = macrostate.StepPropose
		d.lockedRound, d.lockedValue = nil, nil
		d.validRound, d.validValue = nil, nil
		return nil
	}
	d.round = st.Round
	d.step = st.Step
	d.lockedRound = st.LockedRound
	d.lockedValue = st.LockedValue
	d.validRound = st.ValidRound
	d.validValue = st.ValidValue
	if d.log != nil {
		d.log.Infow("resumed macro round from persisted state", "height", height, "round", d.round, "step", d.step)
	}
	return nil
}

// Timeout exposes the current round's timeout channel for the
// orchestrator's fan-in select loop: if no decision is reached before it
// fires, the caller should call AdvanceRound so a stalled proposer or
// missing votes cannot stall the height forever.
func (d *Driver) Timeout() <-chan time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer
}

func (d *Driver) persistLocked() error {
	return d.store.Save(&macrostate.PersistedMacroState{
		Height:      d.height,
		Step:        d.step,
		Round:       d.round,
		LockedRound: d.lockedRound,
		LockedValue: d.lockedValue,
		ValidRound:  d.validRound,
		ValidValue:  d.validValue,
	})
}

func valueHash(b *chain.MacroBlock) [32]byte {
	if b == nil {
		return [32]byte{}
	}
	sum := blake2b.Sum256(b.ExtraData)
	return sum
}

// Propose assembles and returns a candidate macro block for the current
// round, persisting the propose step first. Callers must only invoke
// this when committee.ProposerForRound(round) selects selfIdx.
func (d *Driver) Propose(parent chain.MacroHeader, isElection bool) (*TendermintReturn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.step = macrostate.StepPropose
	if err := d.persistLocked(); err != nil {
		return nil, err
	}

	if d.validValue != nil {
		// Re-propose the value this validator already considers valid from
		// an earlier round, per Tendermint's propose rule.
		if block, ok := d.proposals[*d.validRound]; ok {
			return &TendermintReturn{Kind: ReturnProposal, Proposal: block}, nil
		}
	}

	newCommittee, body := d.assembler.AssembleMacroBody(parent, d.round, isElection)
	if !isElection {
		newCommittee = nil
	}

	block := &chain.MacroBlock{
		Header: chain.MacroHeader{
			BlockNumber: parent.BlockNumber + 1,
			Round:       d.round,
			Timestamp:   uint64(d.clock.Now().Unix()),
			ParentHash:  hashMacroHeader(parent),
		},
		IsElection: isElection,
		Committee:  newCommittee,
		ExtraData:  body,
	}
	d.proposals[d.round] = block
	return &TendermintReturn{Kind: ReturnProposal, Proposal: block}, nil
}

// OnProposal records a received proposal for round and returns this
// validator's prevote: for the proposal's value if unlocked, already
// locked on it, or locked at a round later than the proposal's round;
// for nil otherwise. The prevote step is persisted before it is
// returned.
func (d *Driver) OnProposal(round uint64, block *chain.MacroBlock) (*TendermintReturn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.proposals[round] = block
	v := valueHash(block)

	voteFor := v
	if d.lockedValue != nil && *d.lockedRound <= round && *d.lockedValue != v {
		voteFor = [32]byte{} // nil vote: locked on a different value
	}

	d.step = macrostate.StepPrevote
	if err := d.persistLocked(); err != nil {
		return nil, err
	}

	vote := chain.Prepare{Height: d.height, Round: round, Value: voteFor}
	signedVote, err := signed.Sign(vote, uint16(d.selfIdx), d.kp)
	if err != nil {
		return nil, fmt.Errorf("sign prevote: %w", err)
	}
	return &TendermintReturn{Kind: ReturnPrevote, Prevote: &signedVote}, nil
}

// OnPrevote accumulates a peer's prevote. Once a super-majority for a
// single non-nil value at the current round is reached, the locked
// value/round are updated and a precommit for that value is returned.
// A super-majority of nil prevotes yields a nil precommit.
func (d *Driver) OnPrevote(pk *blssig.PublicKey, vote signed.SignedMessage[chain.Prepare], committeeSize int) (*TendermintReturn, error) {
	if !vote.Verify(pk) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if vote.Message.Height != d.height || vote.Message.Round != d.round {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	k := voteKey{round: vote.Message.Round, value: vote.Message.Value}
	proof, ok := d.prevotes[k]
	if !ok {
		proof = signed.NewAggregateProof[chain.Prepare]()
		d.prevotes[k] = proof
	}
	if proof.Contains(vote) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	proof.Add(pk, vote)
	if proof.SignerCount() < signed.SuperMajority(committeeSize) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}

	round := vote.Message.Round
	value := vote.Message.Value
	nilValue := value == [32]byte{}
	if !nilValue {
		r := round
		d.validRound = &r
		v := value
		d.validValue = &v
		d.lockedRound = &r
		d.lockedValue = &v
	}

	d.step = macrostate.StepPrecommit
	if err := d.persistLocked(); err != nil {
		return nil, err
	}

	commitVote := chain.Commit{Height: d.height, Round: round, Value: value}
	signedVote, err := signed.Sign(commitVote, uint16(d.selfIdx), d.kp)
	if err != nil {
		return nil, fmt.Errorf("sign precommit: %w", err)
	}
	return &TendermintReturn{Kind: ReturnPrecommit, Precommit: &signedVote}, nil
}

// OnPrecommit accumulates a peer's precommit. Once a super-majority for
// a single non-nil value at any one round is reached, the
// corresponding proposed block is decided and the persisted round state
// is cleared, since the round that produced it is now over.
func (d *Driver) OnPrecommit(pk *blssig.PublicKey, vote signed.SignedMessage[chain.Commit], committeeSize int) (*TendermintReturn, error) {
	if !vote.Verify(pk) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if vote.Message.Height != d.height {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	round := vote.Message.Round
	value := vote.Message.Value
	k := voteKey{round: round, value: value}
	proof, ok := d.precommits[k]
	if !ok {
		proof = signed.NewAggregateProof[chain.Commit]()
		d.precommits[k] = proof
	}
	if proof.Contains(vote) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	proof.Add(pk, vote)

	if value == [32]byte{} || proof.SignerCount() < signed.SuperMajority(committeeSize) {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}

	block, ok := d.proposals[round]
	if !ok {
		return &TendermintReturn{Kind: ReturnNothing}, nil
	}
	block.Justification = proof
	if err := d.store.Clear(); err != nil {
		return nil, fmt.Errorf("clear macro state after decision: %w", err)
	}
	return &TendermintReturn{Kind: ReturnDecision, Decision: block}, nil
}

// AdvanceRound moves to round+1 after a timeout, without a decision, and
// rearms the round timer.
func (d *Driver) AdvanceRound() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.round++
	d.step = macrostate.StepPropose
	d.timer = d.clock.After(d.delay)
	return d.persistLocked()
}

// Round reports the round currently being driven.
func (d *Driver) Round() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.round
}

func hashMacroHeader(h chain.MacroHeader) [32]byte {
	buf := make([]byte, 0, 4+8+8+32)
	buf = appendUint32(buf, h.BlockNumber)
	buf = appendUint64(buf, h.Round)
	buf = appendUint64(buf, h.Timestamp)
	buf = append(buf, h.ParentHash[:]...)
	return blake2b.Sum256(buf)
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
