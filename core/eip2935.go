package core

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

// EIP-2935: serve historical block hashes from state.
//
// Once Prague is active the parent hash of every block is written to the
// history contract at slot parent.Number % HistoryServeWindow before any
// transaction runs.

// HeaderFinder looks up ancestors.
type HeaderFinder interface {
	FindParentHeader(header *types.Header) *types.Header
}

// BlockhashStore maintains the EIP-2935 history contract.
type BlockhashStore struct {
	ws state.WorldStateAccessor
}

// NewBlockhashStore creates a store writing into ws.
func NewBlockhashStore(ws state.WorldStateAccessor) *BlockhashStore {
	return &BlockhashStore{ws: ws}
}

func historySlot(number uint64) common.Hash {
	return uint64ToHash(number % params.HistoryServeWindow)
}

// ApplyBlockhashStateChanges stores the parent hash of header. It does
// nothing before Prague or for the genesis block.
func (s *BlockhashStore) ApplyBlockhashStateChanges(header *types.Header, spec *params.Spec) {
	if !spec.IsPrague || header.Number.Sign() == 0 {
		return
	}
	if !s.ws.Exist(spec.HistoryStorageAddress) {
		s.ws.CreateAccount(spec.HistoryStorageAddress)
		s.ws.SetNonce(spec.HistoryStorageAddress, 1)
	}
	parent := header.Number.Uint64() - 1
	s.ws.SetState(spec.HistoryStorageAddress, historySlot(parent), header.ParentHash)
}

// GetBlockHashFromState reads a hash from the history contract. It returns
// the zero hash outside the serve window.
func (s *BlockhashStore) GetBlockHashFromState(current *types.Header, number uint64, spec *params.Spec) common.Hash {
	cur := current.Number.Uint64()
	if number >= cur || cur-number > params.HistoryServeWindow {
		return common.Hash{}
	}
	return s.ws.GetState(spec.HistoryStorageAddress, historySlot(number))
}

// BlockhashProvider answers BLOCKHASH queries: from the history contract
// once Prague is active, by walking parent headers within the last 256
// blocks before that.
type BlockhashProvider struct {
	finder HeaderFinder
	store  *BlockhashStore
	log    *log.Logger
}

// NewBlockhashProvider creates a provider over finder and ws.
func NewBlockhashProvider(finder HeaderFinder, ws state.WorldStateAccessor, logger *log.Logger) *BlockhashProvider {
	return &BlockhashProvider{finder: finder, store: NewBlockhashStore(ws), log: logger.Module("blockhash")}
}

// GetBlockhash returns the hash of ancestor number of current, or the zero
// hash when it is out of range.
func (p *BlockhashProvider) GetBlockhash(current *types.Header, number uint64, spec *params.Spec) common.Hash {
	if spec.IsPrague {
		return p.store.GetBlockHashFromState(current, number, spec)
	}
	cur := current.Number.Uint64()
	if number >= cur || cur-number > params.BlockhashWindow {
		return common.Hash{}
	}
	header := p.finder.FindParentHeader(current)
	for header != nil {
		n := header.Number.Uint64()
		if n == number {
			return header.Hash()
		}
		if n < number {
			break
		}
		header = p.finder.FindParentHeader(header)
	}
	p.log.Warn("Ancestor not found for BLOCKHASH", "current", cur, "number", number)
	return common.Hash{}
}

func uint64ToHash(v uint64) common.Hash {
	var h common.Hash
	for i := 0; i < 8; i++ {
		h[31-i] = byte(v >> (8 * i))
	}
	return h
}

// hashToUint64 interprets the low 8 bytes of a hash as a big-endian uint64.
func hashToUint64(h common.Hash) uint64 {
	var result uint64
	for i := 24; i < 32; i++ {
		result = result<<8 | uint64(h[i])
	}
	return result
}
