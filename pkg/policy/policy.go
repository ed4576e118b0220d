// Package policy holds the consensus-wide constants and the emission
// curve used to compute epoch rewards.
package policy

import "time"

const (
	// ActiveValidators is the fixed committee size elected for one epoch.
	ActiveValidators = 4

	// ViewChangeDelay is how long a non-proposer waits for a micro block
	// at the current height before starting a view change.
	ViewChangeDelay = 10 * time.Second

	// ForkProofsMaxSize bounds the byte size of a batch of fork proofs
	// pulled into a single micro block.
	ForkProofsMaxSize = 1000

	// MicroBodyMaxBytes bounds the byte size of pending transactions
	// pulled from the mempool into a single micro block body.
	MicroBodyMaxBytes = 100_000

	// SupplyCap is the maximum coin supply, at which the emission curve
	// saturates. Expressed in the smallest coin unit (Luna-equivalent).
	SupplyCap = 21_000_000_00000000

	// emissionRatePerSecond is the simplified linear minting rate used by
	// SupplyAt below, in smallest coin units per second.
	emissionRatePerSecond = 438
)

// SupplyAt returns the total coin supply at timestamp ts (unix seconds),
// given the genesis supply and genesis timestamp. The curve is
// monotonically non-decreasing and saturates at SupplyCap.
//
// This is a simplified linear-until-cap model: the exact historical
// emission formula is not part of this specification, so a deterministic
// stand-in is used that satisfies the one testable property spec.md
// requires (reward == difference of two supply samples).
func SupplyAt(genesisSupply, genesisTimestamp, ts uint64) uint64 {
	if ts <= genesisTimestamp {
		return genesisSupply
	}
	elapsed := ts - genesisTimestamp
	minted := elapsed * emissionRatePerSecond
	supply := genesisSupply + minted
	if supply > SupplyCap {
		return SupplyCap
	}
	return supply
}
