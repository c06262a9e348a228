package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// BlockRewardType tells block rewards from uncle rewards.
type BlockRewardType uint8

const (
	BlockRewardBlock BlockRewardType = iota
	BlockRewardUncle
)

func (t BlockRewardType) String() string {
	if t == BlockRewardUncle {
		return "uncle"
	}
	return "block"
}

// BlockReward is a balance credit applied after the transactions of a
// block.
type BlockReward struct {
	Address common.Address
	Value   *uint256.Int
	Type    BlockRewardType
}

// RewardCalculator computes the rewards of a block.
type RewardCalculator interface {
	CalculateRewards(block *types.Block) []BlockReward
}

// NoBlockRewards is used by proof-of-stake chains.
type NoBlockRewards struct{}

func (NoBlockRewards) CalculateRewards(*types.Block) []BlockReward { return nil }

// EthashRewardCalculator pays the proof-of-work block reward to the block
// author, plus 1/32 of it per included uncle, and (8 + uncle - number)/8
// of it to each uncle author. Blocks after the merge get nothing.
type EthashRewardCalculator struct {
	config *params.ChainConfig
}

// NewEthashRewardCalculator creates a calculator for config.
func NewEthashRewardCalculator(config *params.ChainConfig) *EthashRewardCalculator {
	return &EthashRewardCalculator{config: config}
}

func (c *EthashRewardCalculator) CalculateRewards(block *types.Block) []BlockReward {
	if block.IsGenesis() {
		return nil
	}
	spec := c.config.SpecForBlock(block.NumberU64(), block.Time())
	if spec.BlockReward == nil || spec.BlockReward.IsZero() {
		return nil
	}
	base := spec.BlockReward
	uncles := block.Uncles()

	minerReward := new(uint256.Int).Set(base)
	bonus := new(uint256.Int).Rsh(base, 5)
	rewards := make([]BlockReward, 0, 1+len(uncles))
	for range uncles {
		minerReward.Add(minerReward, bonus)
	}
	rewards = append(rewards, BlockReward{Address: block.Author(), Value: minerReward, Type: BlockRewardBlock})

	number := block.NumberU64()
	for _, uncle := range uncles {
		un := uncle.Number.Uint64()
		if un+8 <= number {
			continue
		}
		r := new(uint256.Int).Mul(base, uint256.NewInt(un+8-number))
		r.Rsh(r, 3)
		rewards = append(rewards, BlockReward{Address: uncle.Beneficiary(), Value: r, Type: BlockRewardUncle})
	}
	return rewards
}
