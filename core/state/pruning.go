package state

import "github.com/ethereum/go-ethereum/common"

// PruningStrategy decides which block numbers stop pinning their committed
// state after a commit at head.
type PruningStrategy interface {
	Evict(head uint64, committed map[uint64][]common.Hash) []uint64
}

// NoPruning keeps every committed state.
type NoPruning struct{}

func (NoPruning) Evict(uint64, map[uint64][]common.Hash) []uint64 { return nil }

// KeepLastN retains the states committed for the last Depth block numbers
// below the head. States shared with a retained number stay alive.
type KeepLastN struct {
	Depth uint64
}

func (k KeepLastN) Evict(head uint64, committed map[uint64][]common.Hash) []uint64 {
	if k.Depth == 0 || head < k.Depth {
		return nil
	}
	limit := head - k.Depth
	var out []uint64
	for n := range committed {
		if n < limit {
			out = append(out, n)
		}
	}
	return out
}
