package chain

import (
	"encoding/binary"

	"github.com/albatross-chain/validator/pkg/policy"
	"github.com/albatross-chain/validator/pkg/util"
)

// GenesisParameters reads the genesis supply encoded in a macro block's
// extra data: the first 8 bytes, big-endian. A genesis block with fewer
// than 8 bytes of extra data is accepted (some test fixtures carry none)
// but logs a warning and reports zero initial supply, never an error —
// genesis parsing must never fail the validator core at startup.
func GenesisParameters(genesis *MacroBlock, log util.Logger) (initialSupply uint64, genesisTimestamp uint64) {
	if len(genesis.ExtraData) < 8 {
		if log != nil {
			log.Warnw("genesis block extra data too short for supply field, defaulting to zero",
				"length", len(genesis.ExtraData))
		}
		return 0, genesis.Header.Timestamp
	}
	return binary.BigEndian.Uint64(genesis.ExtraData[:8]), genesis.Header.Timestamp
}

// EpochReward computes the total reward to distribute for the epoch
// ending at block header, given the genesis parameters it descends
// from. It is the difference between the supply curve evaluated at the
// new block's timestamp and at the previous epoch's, capped so the
// total supply never exceeds policy.SupplyCap.
func EpochReward(genesisSupply, genesisTimestamp, previousTimestamp, newTimestamp uint64) uint64 {
	before := policy.SupplyAt(genesisSupply, genesisTimestamp, previousTimestamp)
	after := policy.SupplyAt(genesisSupply, genesisTimestamp, newTimestamp)
	if after <= before {
		return 0
	}
	return after - before
}
