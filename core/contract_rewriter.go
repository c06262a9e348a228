package core

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
)

// ContractRewriter replaces contract code at scheduled heights, before the
// transactions of the block run. Used by chains that patch system
// contracts through a hard fork.
type ContractRewriter struct {
	overrides map[uint64]map[common.Address][]byte
}

// NewContractRewriter creates a rewriter from height -> address -> code.
func NewContractRewriter(overrides map[uint64]map[common.Address][]byte) *ContractRewriter {
	cpy := make(map[uint64]map[common.Address][]byte, len(overrides))
	for height, codes := range overrides {
		inner := make(map[common.Address][]byte, len(codes))
		for addr, code := range codes {
			inner[addr] = common.CopyBytes(code)
		}
		cpy[height] = inner
	}
	return &ContractRewriter{overrides: cpy}
}

// RewriteContracts applies the overrides scheduled for number and returns
// the rewritten addresses in byte order.
func (r *ContractRewriter) RewriteContracts(number uint64, ws state.WorldStateAccessor) []common.Address {
	if r == nil {
		return nil
	}
	codes := r.overrides[number]
	if len(codes) == 0 {
		return nil
	}
	addrs := make([]common.Address, 0, len(codes))
	for addr := range codes {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	for _, addr := range addrs {
		ws.SetCode(addr, codes[addr])
	}
	return addrs
}
