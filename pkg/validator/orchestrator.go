// Package validator is the reactive orchestrator that ties the
// blockchain, fork-proof, mempool, micro- and macro-block producers,
// and the validator network adapter together into one running
// validator process. It owns its producers one-way: producers never
// reach back into the orchestrator, they only emit events it reacts
// to, the same relationship the original validator's fan-in poll loop
// established between itself and its block producers.
package validator

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/chain"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/forkproof"
	"github.com/albatross-chain/validator/pkg/macro"
	"github.com/albatross-chain/validator/pkg/macrostate"
	"github.com/albatross-chain/validator/pkg/mempool"
	"github.com/albatross-chain/validator/pkg/micro"
	"github.com/albatross-chain/validator/pkg/policy"
	"github.com/albatross-chain/validator/pkg/signed"
	"github.com/albatross-chain/validator/pkg/util"
	"github.com/albatross-chain/validator/pkg/validatornet"
)

// epochState is non-nil only while this validator is an elected member
// of the current committee.
type epochState struct {
	slot committee.Id
}

// voteKind tags which vote a wireVote envelope carries, so every
// committee member can decode an incoming TopicVotes message without
// first knowing which phase the sender is in.
type voteKind uint8

const (
	voteKindViewChange voteKind = iota
	voteKindPrevote
	voteKindPrecommit
)

// wireVote is the envelope published on validatornet.TopicVotes.
type wireVote struct {
	Kind voteKind
	Data []byte
}

// wireProposal is the envelope published on validatornet.TopicProposal.
type wireProposal struct {
	Round uint64
	Block *chain.MacroBlock
}

// Validator runs the full reactive loop for one signing key: it reacts
// to blockchain extensions, finalizations, rebranches, and detected
// forks, and produces micro or macro blocks whenever it is this
// validator's turn and the epoch state says it is active.
type Validator struct {
	blockchain chain.Blockchain
	network    validatornet.ValidatorNetwork
	mempool    *mempool.Pool
	forkProofs *forkproof.Pool
	macroStore *macrostate.Store
	signingKey *blssig.KeyPair
	assembler  chain.MacroBodyAssembler
	clock      util.Clock
	log        util.Logger

	epoch epochState

	microDriver *micro.Driver
	macroDriver *macro.Driver

	proposals <-chan []byte
	votes     <-chan []byte

	pendingViewChangeProof *chain.ViewChangeProof
}

// Config bundles everything the orchestrator needs to construct.
type Config struct {
	Blockchain chain.Blockchain
	Network    validatornet.ValidatorNetwork
	Mempool    *mempool.Pool
	ForkProofs *forkproof.Pool
	MacroStore *macrostate.Store
	SigningKey *blssig.KeyPair
	Assembler  chain.MacroBodyAssembler
	Clock      util.Clock
	Log        util.Logger
}

// New constructs a Validator, subscribes it to the proposal and vote
// topics, and runs its initial epoch/block-producer setup, mirroring
// the two-step init() the original validator performs before it starts
// polling.
func New(cfg Config) *Validator {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	v := &Validator{
		blockchain: cfg.Blockchain,
		network:    cfg.Network,
		mempool:    cfg.Mempool,
		forkProofs: cfg.ForkProofs,
		macroStore: cfg.MacroStore,
		signingKey: cfg.SigningKey,
		assembler:  cfg.Assembler,
		clock:      clock,
		log:        cfg.Log,
	}
	v.subscribeNetwork()
	v.InitEpoch()
	v.InitBlockProducer()
	return v
}

// subscribeNetwork joins the proposal and vote topics. A topic that
// fails to join is logged and left nil, which simply never fires in
// Run's select loop rather than failing construction — mirroring how a
// failed bootstrap connect in validatornet.New never fails startup
// either.
func (v *Validator) subscribeNetwork() {
	if ch, err := v.network.Subscribe(validatornet.TopicProposal); err == nil {
		v.proposals = ch
	} else if v.log != nil {
		v.log.Warnw("failed to subscribe to proposal topic", "err", err)
	}
	if ch, err := v.network.Subscribe(validatornet.TopicVotes); err == nil {
		v.votes = ch
	} else if v.log != nil {
		v.log.Warnw("failed to subscribe to vote topic", "err", err)
	}
}

// InitEpoch determines this validator's committee slot for the current
// epoch (or deactivates it if it holds none), and registers every
// committee member's public key with the network adapter so votes can
// be routed by slot.
func (v *Validator) InitEpoch() {
	cm, ok := v.blockchain.CurrentCommittee()
	if !ok {
		v.epoch = epochState{}
		return
	}
	idx, found := cm.SlotOf(v.signingKey.Public)
	if !found {
		if v.log != nil {
			v.log.Infow("validator not part of current committee")
		}
		v.epoch = epochState{}
		return
	}
	v.epoch = epochState{slot: idx}
	for i, slot := range cm.Slots {
		v.network.SetPublicKey(committee.Id(i), slot.PublicKey)
	}
}

// IsActive reports whether this validator holds a slot in the current
// committee.
func (v *Validator) IsActive() bool {
	return v.epoch != epochState{}
}

// InitBlockProducer (re)creates whichever producer — micro or macro —
// is needed for the blockchain's next block type, discarding whatever
// producer was previously active. Called after every blockchain event,
// since the next block type or committee may have changed.
func (v *Validator) InitBlockProducer() {
	v.microDriver = nil
	v.macroDriver = nil
	v.pendingViewChangeProof = nil

	if !v.IsActive() {
		return
	}

	switch v.blockchain.NextBlockType() {
	case chain.Macro:
		d := macro.NewDriver(v.epoch.slot, v.signingKey, v.macroStore, v.assembler, v.clock, policy.ViewChangeDelay, v.log)
		if err := d.StartHeight(v.blockchain.HeadNumber() + 1); err != nil && v.log != nil {
			v.log.Warnw("failed to resume macro round state", "err", err)
		}
		v.macroDriver = d
	case chain.Micro:
		d := micro.NewDriver(v.epoch.slot, v.signingKey, v.mempool, v.forkProofs, mempool.Assembler{}, v.clock, v.log)
		d.Reset(v.blockchain.HeadNumber()+1, headHash(v.blockchain))
		v.microDriver = d
	}
}

func headHash(bc chain.Blockchain) [32]byte {
	// The Blockchain collaborator interface does not expose the raw head
	// hash directly; callers that need it (e.g. for parent-hash
	// bookkeeping across a restart) read it off the most recent
	// BlockchainEvent instead. A fresh producer at startup has no event
	// to read yet, so it starts from the zero hash, which is only ever
	// compared for equality against itself within one producer's
	// lifetime.
	return [32]byte{}
}

// OnBlockchainEvent reacts to a blockchain extension, finalization, or
// rebranch, then reinitializes whichever block producer is now needed.
func (v *Validator) OnBlockchainEvent(ev chain.BlockchainEvent) {
	switch ev.Kind {
	case chain.Extended, chain.Finalized:
		v.onExtended(ev.Hash)
	case chain.EpochFinalized:
		v.onExtended(ev.Hash)
		v.InitEpoch()
	case chain.Rebranched:
		for _, hb := range ev.OldChain {
			v.forkProofs.RevertBlock(hb.Block)
		}
		for _, hb := range ev.NewChain {
			v.forkProofs.ApplyBlock(hb.Block)
		}
	}
	v.InitBlockProducer()
}

func (v *Validator) onExtended(hash [32]byte) {
	block, ok := v.blockchain.GetBlock(hash)
	if !ok {
		if v.log != nil {
			v.log.Warnw("head block not found while applying fork proofs", "hash", fmt.Sprintf("%x", hash))
		}
		return
	}
	v.forkProofs.ApplyBlock(block)
	if block.MicroBlock == nil {
		return
	}
	txs, err := mempool.DecodeBody(block.MicroBlock.Body)
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to decode micro block body while pruning mempool", "err", err)
		}
		return
	}
	v.mempool.Remove(txs)
}

// OnForkEvent buffers newly detected slashing evidence.
func (v *Validator) OnForkEvent(ev chain.ForkEvent) {
	v.forkProofs.Insert(ev.Proof)
}

// Run drives the orchestrator's fan-in loop until ctx is canceled.
// Every event source is read non-blockingly against the others: a
// blockchain event, a fork event, an inbound proposal or vote, a
// view-change timeout, or a macro round timeout can each arrive
// independently and are handled as they come in, never starving one
// another.
func (v *Validator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-v.blockchain.Events():
			if !ok {
				return
			}
			v.OnBlockchainEvent(ev)
		case ev, ok := <-v.blockchain.ForkEvents():
			if !ok {
				return
			}
			v.OnForkEvent(ev)
		case inbound, ok := <-v.network.Receive():
			if !ok {
				return
			}
			v.onInbound(inbound)
		case data, ok := <-v.proposals:
			if !ok {
				v.proposals = nil
				continue
			}
			v.onProposalMessage(ctx, data)
		case data, ok := <-v.votes:
			if !ok {
				v.votes = nil
				continue
			}
			v.onVoteMessage(ctx, data)
		case <-v.microTimeoutChan():
			v.onMicroTimeout(ctx)
		case <-v.macroTimeoutChan():
			v.onMacroTimeout()
		}
		v.maybeProduce(ctx)
	}
}

// microTimeoutChan exposes the active micro driver's view-change timer,
// or a nil channel (which blocks forever in a select, i.e. never
// fires) when no micro driver is active.
func (v *Validator) microTimeoutChan() <-chan time.Time {
	if v.microDriver == nil {
		return nil
	}
	return v.microDriver.Timeout()
}

// macroTimeoutChan exposes the active macro driver's round timer, or a
// nil channel when no macro driver is active.
func (v *Validator) macroTimeoutChan() <-chan time.Time {
	if v.macroDriver == nil {
		return nil
	}
	return v.macroDriver.Timeout()
}

func (v *Validator) onMicroTimeout(ctx context.Context) {
	if v.microDriver == nil {
		return
	}
	vote, err := v.microDriver.OnTimeout()
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to sign view change vote", "err", err)
		}
		return
	}
	v.publishVote(ctx, voteKindViewChange, vote)
}

// onMacroTimeout advances the current macro round when no decision was
// reached before its timer fired, so a stalled proposer or missing
// votes cannot stall the height forever.
func (v *Validator) onMacroTimeout() {
	if v.macroDriver == nil {
		return
	}
	if err := v.macroDriver.AdvanceRound(); err != nil && v.log != nil {
		v.log.Warnw("failed to advance macro round after timeout", "err", err)
	}
}

func (v *Validator) onInbound(msg validatornet.InboundMessage) {
	// Unicast stream delivery is reserved for a future point-to-point
	// use (e.g. catch-up requests); votes and proposals are broadcast
	// over validatornet.TopicVotes/TopicProposal and handled by
	// onVoteMessage/onProposalMessage instead.
	_ = msg
}

func (v *Validator) onProposalMessage(ctx context.Context, data []byte) {
	if v.macroDriver == nil {
		return
	}
	var msg wireProposal
	if err := gobDecode(data, &msg); err != nil {
		if v.log != nil {
			v.log.Warnw("discarding malformed macro proposal", "err", err)
		}
		return
	}
	ret, err := v.macroDriver.OnProposal(msg.Round, msg.Block)
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to process macro proposal", "err", err)
		}
		return
	}
	if ret.Kind == macro.ReturnPrevote && ret.Prevote != nil {
		v.publishVote(ctx, voteKindPrevote, *ret.Prevote)
	}
}

func (v *Validator) onVoteMessage(ctx context.Context, data []byte) {
	var env wireVote
	if err := gobDecode(data, &env); err != nil {
		if v.log != nil {
			v.log.Warnw("discarding malformed vote envelope", "err", err)
		}
		return
	}
	cm, ok := v.blockchain.CurrentCommittee()
	if !ok {
		return
	}
	committeeSize := len(cm.Slots)

	switch env.Kind {
	case voteKindViewChange:
		v.onViewChangeVoteMessage(env.Data, cm, committeeSize)
	case voteKindPrevote:
		v.onPrevoteMessage(ctx, env.Data, cm, committeeSize)
	case voteKindPrecommit:
		v.onPrecommitMessage(ctx, env.Data, cm, committeeSize)
	}
}

// slotPublicKey returns the public key for slot idx, or nil if idx is
// out of range — a network-delivered vote carries an untrusted PkIdx,
// unlike committee.Committee.SlotPublicKey's array-indexed callers
// elsewhere, which only ever pass indices drawn from the committee
// itself.
func slotPublicKey(cm committee.Committee, idx committee.Id) *blssig.PublicKey {
	if int(idx) >= len(cm.Slots) {
		return nil
	}
	return cm.SlotPublicKey(idx)
}

func (v *Validator) onViewChangeVoteMessage(data []byte, cm committee.Committee, committeeSize int) {
	if v.microDriver == nil {
		return
	}
	var vote signed.SignedMessage[chain.ViewChange]
	if err := gobDecode(data, &vote); err != nil {
		return
	}
	pk := slotPublicKey(cm, vote.PkIdx)
	if pk == nil {
		return
	}
	proof, reached := v.microDriver.OnViewChangeVote(pk, vote, committeeSize)
	if !reached {
		return
	}
	v.pendingViewChangeProof = proof
	v.microDriver.AdvanceView(vote.Message.NewViewNumber)
}

func (v *Validator) onPrevoteMessage(ctx context.Context, data []byte, cm committee.Committee, committeeSize int) {
	if v.macroDriver == nil {
		return
	}
	var vote signed.SignedMessage[chain.Prepare]
	if err := gobDecode(data, &vote); err != nil {
		return
	}
	pk := slotPublicKey(cm, vote.PkIdx)
	if pk == nil {
		return
	}
	ret, err := v.macroDriver.OnPrevote(pk, vote, committeeSize)
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to process prevote", "err", err)
		}
		return
	}
	if ret.Kind == macro.ReturnPrecommit && ret.Precommit != nil {
		v.publishVote(ctx, voteKindPrecommit, *ret.Precommit)
	}
}

func (v *Validator) onPrecommitMessage(ctx context.Context, data []byte, cm committee.Committee, committeeSize int) {
	if v.macroDriver == nil {
		return
	}
	var vote signed.SignedMessage[chain.Commit]
	if err := gobDecode(data, &vote); err != nil {
		return
	}
	pk := slotPublicKey(cm, vote.PkIdx)
	if pk == nil {
		return
	}
	ret, err := v.macroDriver.OnPrecommit(pk, vote, committeeSize)
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to process precommit", "err", err)
		}
		return
	}
	if ret.Kind == macro.ReturnDecision && ret.Decision != nil {
		v.pushAndPublish(ctx, chain.Block{MacroBlock: ret.Decision})
	}
}

// publishVote gob-encodes vote, wraps it in a wireVote tagged with
// kind, and broadcasts it on validatornet.TopicVotes.
func (v *Validator) publishVote(ctx context.Context, kind voteKind, vote interface{}) {
	inner, err := gobEncode(vote)
	if err != nil {
		return
	}
	data, err := gobEncode(wireVote{Kind: kind, Data: inner})
	if err != nil {
		return
	}
	if err := v.network.Publish(ctx, validatornet.TopicVotes, data); err != nil && v.log != nil {
		v.log.Warnw("failed to publish vote", "kind", kind, "err", err)
	}
}

// maybeProduce produces and broadcasts a block if it is currently this
// validator's turn. It does not re-initialize the producer itself: that
// happens when the blockchain event for the pushed block is handled by
// OnBlockchainEvent, and until then a later call may produce again for
// the same height with the same driver.
func (v *Validator) maybeProduce(ctx context.Context) {
	if !v.IsActive() {
		return
	}
	cm, ok := v.blockchain.CurrentCommittee()
	if !ok {
		return
	}

	if v.microDriver != nil && v.microDriver.IsOwnTurn(cm) {
		proof := v.pendingViewChangeProof
		v.pendingViewChangeProof = nil
		block, err := v.microDriver.ProduceMicroBlock(proof)
		if err != nil {
			if v.log != nil {
				v.log.Warnw("failed to produce micro block", "err", err)
			}
			return
		}
		v.pushAndPublish(ctx, chain.Block{MicroBlock: block})
		return
	}

	if v.macroDriver != nil && cm.ProposerForRound(v.macroDriver.Round()) == v.epoch.slot {
		round := v.macroDriver.Round()
		ret, err := v.macroDriver.Propose(chain.MacroHeader{BlockNumber: v.blockchain.HeadNumber()}, false)
		if err != nil {
			if v.log != nil {
				v.log.Warnw("failed to propose macro block", "err", err)
			}
			return
		}
		if ret.Kind != macro.ReturnProposal {
			return
		}
		data, err := gobEncode(wireProposal{Round: round, Block: ret.Proposal})
		if err != nil {
			return
		}
		if err := v.network.Publish(ctx, validatornet.TopicProposal, data); err != nil && v.log != nil {
			v.log.Warnw("failed to publish macro proposal", "err", err)
		}
	}
}

func (v *Validator) pushAndPublish(ctx context.Context, block chain.Block) {
	result, err := v.blockchain.Push(block)
	if err != nil {
		if v.log != nil {
			v.log.Warnw("failed to push produced block onto local chain", "err", err)
		}
		return
	}
	if result != chain.PushExtended && result != chain.PushRebranched {
		return
	}
	data, err := encodeBlock(block)
	if err != nil {
		return
	}
	if err := v.network.Publish(ctx, validatornet.TopicBlocks, data); err != nil && v.log != nil {
		v.log.Warnw("failed to publish produced block", "err", err)
	}
}

func encodeBlock(block chain.Block) ([]byte, error) {
	return gobEncode(block)
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, out interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
