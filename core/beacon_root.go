package core

import (
	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// BeaconBlockRootHandler stores parent beacon block roots (EIP-4788) in
// a ring buffer of BeaconRootsBufferLength entries: the timestamp at
// slot time % length and the root at slot time % length + length.
type BeaconBlockRootHandler struct {
	ws state.WorldStateAccessor
}

// NewBeaconBlockRootHandler creates a handler writing into ws.
func NewBeaconBlockRootHandler(ws state.WorldStateAccessor) *BeaconBlockRootHandler {
	return &BeaconBlockRootHandler{ws: ws}
}

// StoreBeaconRoot records header.ParentBeaconRoot. It does nothing before
// Cancun, for genesis, or when the header carries no root.
func (h *BeaconBlockRootHandler) StoreBeaconRoot(header *types.Header, spec *params.Spec) {
	if !spec.IsCancun || header.ParentBeaconRoot == nil || header.Number.Sign() == 0 {
		return
	}
	addr := spec.BeaconRootsAddress
	if !h.ws.Exist(addr) {
		h.ws.CreateAccount(addr)
		h.ws.SetNonce(addr, 1)
	}
	idx := header.Time % params.BeaconRootsBufferLength
	h.ws.SetState(addr, uint64ToHash(idx), uint64ToHash(header.Time))
	h.ws.SetState(addr, uint64ToHash(idx+params.BeaconRootsBufferLength), *header.ParentBeaconRoot)
}
