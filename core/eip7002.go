package core

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
)

// EIP-7002 withdrawal requests and EIP-7251 consolidation requests are
// queued in the storage of their system contracts. At the end of every
// Prague block the queue head is dequeued and returned as request data.
//
// Storage layout shared by both contracts:
//
//	slot 0: excess requests
//	slot 1: requests added in the current block
//	slot 2: queue head index
//	slot 3: queue tail index
//	slot 4+: queue entries, slotsPerEntry slots each
const (
	excessRequestsSlot = 0
	requestCountSlot   = 1
	queueHeadSlot      = 2
	queueTailSlot      = 3
	queueStorageOffset = 4
)

// Queue parameters.
const (
	MaxWithdrawalRequestsPerBlock    = 16
	TargetWithdrawalRequestsPerBlock = 2
	withdrawalRequestSlots           = 3

	MaxConsolidationRequestsPerBlock    = 2
	TargetConsolidationRequestsPerBlock = 1
	consolidationRequestSlots           = 4
)

// RequestQueue describes one system contract queue.
type RequestQueue struct {
	address        common.Address
	slotsPerEntry  uint64
	maxPerBlock    uint64
	targetPerBlock uint64
	decode         func(entry []common.Hash) []byte
}

// WithdrawalRequestQueue returns the EIP-7002 queue at addr. An entry is
// source address, pubkey[0:32], pubkey[32:48] ++ amount.
func WithdrawalRequestQueue(addr common.Address) RequestQueue {
	return RequestQueue{
		address:        addr,
		slotsPerEntry:  withdrawalRequestSlots,
		maxPerBlock:    MaxWithdrawalRequestsPerBlock,
		targetPerBlock: TargetWithdrawalRequestsPerBlock,
		decode: func(e []common.Hash) []byte {
			out := make([]byte, 0, 20+48+8)
			out = append(out, e[0][12:]...)
			out = append(out, e[1][:]...)
			out = append(out, e[2][:16]...)
			return append(out, e[2][16:24]...)
		},
	}
}

// ConsolidationRequestQueue returns the EIP-7251 queue at addr. An entry is
// source address, source[0:32], source[32:48] ++ target[0:16], target[16:48].
func ConsolidationRequestQueue(addr common.Address) RequestQueue {
	return RequestQueue{
		address:        addr,
		slotsPerEntry:  consolidationRequestSlots,
		maxPerBlock:    MaxConsolidationRequestsPerBlock,
		targetPerBlock: TargetConsolidationRequestsPerBlock,
		decode: func(e []common.Hash) []byte {
			out := make([]byte, 0, 20+48+48)
			out = append(out, e[0][12:]...)
			out = append(out, e[1][:]...)
			out = append(out, e[2][:]...)
			return append(out, e[3][:]...)
		},
	}
}

// Dequeue removes up to maxPerBlock entries, updates the excess counter
// and returns the concatenated request data.
func (q RequestQueue) Dequeue(ws state.WorldStateAccessor) []byte {
	if !ws.Exist(q.address) {
		return nil
	}
	head := hashToUint64(ws.GetState(q.address, uint64ToHash(queueHeadSlot)))
	tail := hashToUint64(ws.GetState(q.address, uint64ToHash(queueTailSlot)))

	n := tail - head
	if n > q.maxPerBlock {
		n = q.maxPerBlock
	}
	var out []byte
	entry := make([]common.Hash, q.slotsPerEntry)
	for i := uint64(0); i < n; i++ {
		base := queueStorageOffset + (head+i)*q.slotsPerEntry
		for j := range entry {
			entry[j] = ws.GetState(q.address, uint64ToHash(base+uint64(j)))
		}
		out = append(out, q.decode(entry)...)
	}

	if newHead := head + n; newHead == tail {
		ws.SetState(q.address, uint64ToHash(queueHeadSlot), common.Hash{})
		ws.SetState(q.address, uint64ToHash(queueTailSlot), common.Hash{})
	} else {
		ws.SetState(q.address, uint64ToHash(queueHeadSlot), uint64ToHash(newHead))
	}

	excess := hashToUint64(ws.GetState(q.address, uint64ToHash(excessRequestsSlot)))
	count := hashToUint64(ws.GetState(q.address, uint64ToHash(requestCountSlot)))
	if excess+count > q.targetPerBlock {
		excess = excess + count - q.targetPerBlock
	} else {
		excess = 0
	}
	ws.SetState(q.address, uint64ToHash(excessRequestsSlot), uint64ToHash(excess))
	ws.SetState(q.address, uint64ToHash(requestCountSlot), common.Hash{})
	return out
}

// Enqueue appends an entry the way the system contract does when it is
// called by a user. entry must hold slotsPerEntry words.
func (q RequestQueue) Enqueue(ws state.WorldStateAccessor, entry []common.Hash) {
	if !ws.Exist(q.address) {
		ws.CreateAccount(q.address)
		ws.SetNonce(q.address, 1)
	}
	tail := hashToUint64(ws.GetState(q.address, uint64ToHash(queueTailSlot)))
	base := queueStorageOffset + tail*q.slotsPerEntry
	for j, word := range entry {
		ws.SetState(q.address, uint64ToHash(base+uint64(j)), word)
	}
	ws.SetState(q.address, uint64ToHash(queueTailSlot), uint64ToHash(tail+1))
	count := hashToUint64(ws.GetState(q.address, uint64ToHash(requestCountSlot)))
	ws.SetState(q.address, uint64ToHash(requestCountSlot), uint64ToHash(count+1))
}
