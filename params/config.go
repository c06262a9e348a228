// Package params holds the chain configuration and the flat per-block
// protocol specification derived from it.
package params

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ChainConfig schedules protocol upgrades. Pre-merge forks activate by
// block number, post-merge forks by timestamp. A nil entry means the fork
// is not scheduled.
type ChainConfig struct {
	ChainID uint64 `yaml:"chainId"`

	HomesteadBlock      *uint64 `yaml:"homesteadBlock"`
	EIP150Block         *uint64 `yaml:"eip150Block"`
	EIP155Block         *uint64 `yaml:"eip155Block"`
	EIP158Block         *uint64 `yaml:"eip158Block"`
	ByzantiumBlock      *uint64 `yaml:"byzantiumBlock"`
	ConstantinopleBlock *uint64 `yaml:"constantinopleBlock"`
	PetersburgBlock     *uint64 `yaml:"petersburgBlock"`
	IstanbulBlock       *uint64 `yaml:"istanbulBlock"`
	BerlinBlock         *uint64 `yaml:"berlinBlock"`
	LondonBlock         *uint64 `yaml:"londonBlock"`

	// MergeBlock is the first proof-of-stake block. From this height on the
	// head is driven by forkchoice updates and no block rewards are paid.
	MergeBlock *uint64 `yaml:"mergeBlock"`

	ShanghaiTime *uint64 `yaml:"shanghaiTime"`
	CancunTime   *uint64 `yaml:"cancunTime"`
	PragueTime   *uint64 `yaml:"pragueTime"`

	DepositContractAddress common.Address `yaml:"depositContractAddress"`
}

var errForkOrder = errors.New("fork ordering violated")

func isBlockForked(fork *uint64, number uint64) bool {
	return fork != nil && *fork <= number
}

func isTimestampForked(fork *uint64, time uint64) bool {
	return fork != nil && *fork <= time
}

// IsMerge reports whether number is a proof-of-stake block.
func (c *ChainConfig) IsMerge(number uint64) bool { return isBlockForked(c.MergeBlock, number) }

// CheckConfigForkOrder verifies that block forks are scheduled in order.
func (c *ChainConfig) CheckConfigForkOrder() error {
	type fork struct {
		name  string
		block *uint64
	}
	var last fork
	for _, cur := range []fork{
		{"homestead", c.HomesteadBlock},
		{"eip150", c.EIP150Block},
		{"eip155", c.EIP155Block},
		{"eip158", c.EIP158Block},
		{"byzantium", c.ByzantiumBlock},
		{"constantinople", c.ConstantinopleBlock},
		{"petersburg", c.PetersburgBlock},
		{"istanbul", c.IstanbulBlock},
		{"berlin", c.BerlinBlock},
		{"london", c.LondonBlock},
		{"merge", c.MergeBlock},
	} {
		if cur.block == nil {
			last = cur
			continue
		}
		if last.name != "" && last.block == nil {
			return fmt.Errorf("%w: %s enabled at %d but %s unscheduled", errForkOrder, cur.name, *cur.block, last.name)
		}
		if last.block != nil && *last.block > *cur.block {
			return fmt.Errorf("%w: %s at %d before %s at %d", errForkOrder, cur.name, *cur.block, last.name, *last.block)
		}
		last = cur
	}
	if c.ShanghaiTime != nil && c.MergeBlock == nil {
		return fmt.Errorf("%w: shanghai scheduled without merge", errForkOrder)
	}
	if c.CancunTime != nil && (c.ShanghaiTime == nil || *c.CancunTime < *c.ShanghaiTime) {
		return fmt.Errorf("%w: cancun before shanghai", errForkOrder)
	}
	if c.PragueTime != nil && (c.CancunTime == nil || *c.PragueTime < *c.CancunTime) {
		return fmt.Errorf("%w: prague before cancun", errForkOrder)
	}
	return nil
}

// Spec is the flat set of protocol rules in force for one block.
type Spec struct {
	Name    string
	ChainID *big.Int

	IsHomestead      bool
	IsEIP150         bool
	IsEIP155         bool
	IsEIP158         bool // empty account clearing
	IsByzantium      bool // receipt status instead of intermediate root
	IsConstantinople bool
	IsPetersburg     bool
	IsIstanbul       bool
	IsBerlin         bool
	IsLondon         bool // base fee
	IsMerge          bool
	IsShanghai       bool // withdrawals
	IsCancun         bool // beacon roots, blob gas
	IsPrague         bool // block hash history, execution requests

	// BlockReward is the base miner reward in wei, zero after the merge.
	BlockReward *uint256.Int

	BeaconRootsAddress          common.Address
	HistoryStorageAddress       common.Address
	WithdrawalRequestAddress    common.Address
	ConsolidationRequestAddress common.Address
	DepositContractAddress      common.Address
}

// Block rewards per era.
var (
	FrontierBlockReward       = uint256.NewInt(5e18)
	ByzantiumBlockReward      = uint256.NewInt(3e18)
	ConstantinopleBlockReward = uint256.NewInt(2e18)
)

// SpecForBlock returns the rules in force for a block with the given number
// and timestamp. It is a pure function of its inputs.
func (c *ChainConfig) SpecForBlock(number, timestamp uint64) Spec {
	merged := c.IsMerge(number)
	s := Spec{
		ChainID:          new(big.Int).SetUint64(c.ChainID),
		IsHomestead:      isBlockForked(c.HomesteadBlock, number),
		IsEIP150:         isBlockForked(c.EIP150Block, number),
		IsEIP155:         isBlockForked(c.EIP155Block, number),
		IsEIP158:         isBlockForked(c.EIP158Block, number),
		IsByzantium:      isBlockForked(c.ByzantiumBlock, number),
		IsConstantinople: isBlockForked(c.ConstantinopleBlock, number),
		IsPetersburg:     isBlockForked(c.PetersburgBlock, number),
		IsIstanbul:       isBlockForked(c.IstanbulBlock, number),
		IsBerlin:         isBlockForked(c.BerlinBlock, number),
		IsLondon:         isBlockForked(c.LondonBlock, number),
		IsMerge:          merged,
		IsShanghai:       merged && isTimestampForked(c.ShanghaiTime, timestamp),
		IsCancun:         merged && isTimestampForked(c.CancunTime, timestamp),
		IsPrague:         merged && isTimestampForked(c.PragueTime, timestamp),

		BeaconRootsAddress:          BeaconRootsAddress,
		HistoryStorageAddress:       HistoryStorageAddress,
		WithdrawalRequestAddress:    WithdrawalQueueAddress,
		ConsolidationRequestAddress: ConsolidationQueueAddress,
		DepositContractAddress:      c.DepositContractAddress,
	}
	switch {
	case s.IsMerge:
		s.BlockReward = new(uint256.Int)
	case s.IsConstantinople:
		s.BlockReward = new(uint256.Int).Set(ConstantinopleBlockReward)
	case s.IsByzantium:
		s.BlockReward = new(uint256.Int).Set(ByzantiumBlockReward)
	default:
		s.BlockReward = new(uint256.Int).Set(FrontierBlockReward)
	}
	s.Name = s.forkName()
	return s
}

func (s *Spec) forkName() string {
	switch {
	case s.IsPrague:
		return "prague"
	case s.IsCancun:
		return "cancun"
	case s.IsShanghai:
		return "shanghai"
	case s.IsMerge:
		return "paris"
	case s.IsLondon:
		return "london"
	case s.IsBerlin:
		return "berlin"
	case s.IsIstanbul:
		return "istanbul"
	case s.IsPetersburg:
		return "petersburg"
	case s.IsConstantinople:
		return "constantinople"
	case s.IsByzantium:
		return "byzantium"
	case s.IsEIP158:
		return "spurious dragon"
	case s.IsEIP150:
		return "tangerine whistle"
	case s.IsHomestead:
		return "homestead"
	default:
		return "frontier"
	}
}

func newUint64(v uint64) *uint64 { return &v }

// AllForksConfig activates every fork at genesis, proof-of-stake included.
func AllForksConfig(chainID uint64) *ChainConfig {
	zero := newUint64(0)
	return &ChainConfig{
		ChainID:             chainID,
		HomesteadBlock:      zero,
		EIP150Block:         zero,
		EIP155Block:         zero,
		EIP158Block:         zero,
		ByzantiumBlock:      zero,
		ConstantinopleBlock: zero,
		PetersburgBlock:     zero,
		IstanbulBlock:       zero,
		BerlinBlock:         zero,
		LondonBlock:         zero,
		MergeBlock:          zero,
		ShanghaiTime:        zero,
		CancunTime:          zero,
		PragueTime:          zero,
	}
}

// PreMergeConfig activates every proof-of-work fork at genesis and never
// merges. Blocks are rewarded and the head follows total difficulty.
func PreMergeConfig(chainID uint64) *ChainConfig {
	zero := newUint64(0)
	return &ChainConfig{
		ChainID:             chainID,
		HomesteadBlock:      zero,
		EIP150Block:         zero,
		EIP155Block:         zero,
		EIP158Block:         zero,
		ByzantiumBlock:      zero,
		ConstantinopleBlock: zero,
		PetersburgBlock:     zero,
		IstanbulBlock:       zero,
		BerlinBlock:         zero,
		LondonBlock:         zero,
	}
}
