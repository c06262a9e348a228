package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BlockInfo is the block tree's metadata about one known block.
type BlockInfo struct {
	Hash            common.Hash
	TotalDifficulty *big.Int
	WasProcessed    bool
	// Bad is set when processing rejected the block.
	Bad bool
}

// ChainLevelInfo lists every known block at one height. When
// HasBlockOnMainChain is set, BlockInfos[0] is the canonical block at that
// height; no other entry can be canonical.
type ChainLevelInfo struct {
	HasBlockOnMainChain bool
	BlockInfos          []*BlockInfo
}

// MainChainBlock returns the canonical entry or nil.
func (l *ChainLevelInfo) MainChainBlock() *BlockInfo {
	if l == nil || !l.HasBlockOnMainChain || len(l.BlockInfos) == 0 {
		return nil
	}
	return l.BlockInfos[0]
}

// Find returns the entry for hash and its index, or nil and -1.
func (l *ChainLevelInfo) Find(hash common.Hash) (*BlockInfo, int) {
	if l == nil {
		return nil, -1
	}
	for i, bi := range l.BlockInfos {
		if bi.Hash == hash {
			return bi, i
		}
	}
	return nil, -1
}

// Insert adds info if its hash is unknown at this level and returns false
// when the hash was already present.
func (l *ChainLevelInfo) Insert(info *BlockInfo) bool {
	if existing, _ := l.Find(info.Hash); existing != nil {
		return false
	}
	l.BlockInfos = append(l.BlockInfos, info)
	return true
}

// SwapToMain moves hash to position 0 and flags the level canonical.
func (l *ChainLevelInfo) SwapToMain(hash common.Hash) bool {
	_, idx := l.Find(hash)
	if idx < 0 {
		return false
	}
	l.BlockInfos[0], l.BlockInfos[idx] = l.BlockInfos[idx], l.BlockInfos[0]
	l.HasBlockOnMainChain = true
	return true
}

// Remove drops hash from the level and clears the canonical flag when the
// canonical entry is removed.
func (l *ChainLevelInfo) Remove(hash common.Hash) {
	_, idx := l.Find(hash)
	if idx < 0 {
		return
	}
	if idx == 0 {
		l.HasBlockOnMainChain = false
	}
	l.BlockInfos = append(l.BlockInfos[:idx], l.BlockInfos[idx+1:]...)
}

// WasAnyProcessed reports whether some block at this level was executed.
func (l *ChainLevelInfo) WasAnyProcessed() bool {
	if l == nil {
		return false
	}
	for _, bi := range l.BlockInfos {
		if bi.WasProcessed {
			return true
		}
	}
	return false
}
