// Package committee models the elected validator set for one epoch: the
// ordered slots a block producer/proposer is selected from, and the
// mapping between a validator's BLS public key and its slot indices.
package committee

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/policy"
)

// Id identifies one of the policy.ActiveValidators committee slots.
type Id = uint16

// Address is a 20-byte account address, used for reward and staker
// addresses bound to a slot.
type Address = common.Address

// Slot is one of the ActiveValidators seats in a committee: a public
// key plus the addresses that receive rewards and hold the stake.
type Slot struct {
	PublicKey      *blssig.PublicKey
	RewardAddress  Address
	StakerAddress  Address
}

// Slots is the full, fixed-size ordered committee used for per-slot
// proposer/producer selection.
type Slots [policy.ActiveValidators]Slot

// Validator groups a validator's public key with how many of the
// ActiveValidators slots it was elected to.
type Validator struct {
	PublicKey *blssig.PublicKey
	NumSlots  uint16
}

// Validators is the list of elected validators for an epoch, in the
// same order their slots appear in Slots.
type Validators []Validator

// Committee is the full elected validator set for one epoch: the
// per-slot assignment plus the grouped validator list.
type Committee struct {
	Slots      Slots
	Validators Validators
}

// TotalSlots returns the sum of NumSlots across all validators, which
// must always equal policy.ActiveValidators.
func (v Validators) TotalSlots() int {
	total := 0
	for _, val := range v {
		total += int(val.NumSlots)
	}
	return total
}

// SlotOf returns the index of the first slot whose public key matches
// pk, and whether one was found. Mirrors the linear scan the original
// validator used to discover its own committee membership at
// init_epoch time.
func (c Committee) SlotOf(pk *blssig.PublicKey) (Id, bool) {
	pkBytes, err := blssig.MarshalPublicKey(pk)
	if err != nil {
		return 0, false
	}
	for i, slot := range c.Slots {
		slotBytes, err := blssig.MarshalPublicKey(slot.PublicKey)
		if err != nil {
			continue
		}
		if string(slotBytes) == string(pkBytes) {
			return Id(i), true
		}
	}
	return 0, false
}

// PublicKeys returns the compressed public key of every elected
// validator, in committee order. Used to register the current
// committee with the validator network adapter.
func (c Committee) PublicKeys() []*blssig.PublicKey {
	pks := make([]*blssig.PublicKey, len(c.Validators))
	for i, v := range c.Validators {
		pks[i] = v.PublicKey
	}
	return pks
}

// ProposerForRound deterministically selects the slot responsible for
// proposing at the given round, weighted round-robin over the slot
// array (Tendermint proposer selection: each slot is equally likely
// across a full cycle of ActiveValidators rounds).
func (c Committee) ProposerForRound(round uint64) Id {
	return Id(round % uint64(policy.ActiveValidators))
}

// SlotPublicKey returns the public key bound to slot id.
func (c Committee) SlotPublicKey(id Id) *blssig.PublicKey {
	return c.Slots[id].PublicKey
}

// Fingerprint returns a short base58 encoding of pk's compressed bytes,
// for identifying a validator in log lines without printing the full
// key (libp2p peer IDs are logged the same way, via their own base58
// string form).
func Fingerprint(pk *blssig.PublicKey) string {
	b, err := blssig.MarshalPublicKey(pk)
	if err != nil {
		return "<invalid-key>"
	}
	return base58.Encode(b)
}
