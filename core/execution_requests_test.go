package core

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

var depositContract = common.HexToAddress("0x00000000219ab540356cbb839cbe05303d7705fa")

func testDeposit(index uint64) *DepositRequest {
	dep := &DepositRequest{Amount: 32_000_000_000, Index: index}
	for i := range dep.Pubkey {
		dep.Pubkey[i] = byte(i + 1)
	}
	dep.WithdrawalCredentials[0] = 0x01
	dep.Signature[95] = 0xff
	return dep
}

func depositLog(dep *DepositRequest) *types.Log {
	return &types.Log{
		Address: depositContract,
		Topics:  []common.Hash{DepositEventSignature},
		Data:    PackDepositLogData(dep),
	}
}

func TestDepositLogData(t *testing.T) {
	dep := testDeposit(7)
	data := PackDepositLogData(dep)
	assert.Len(t, data, 576)

	got, err := UnpackDepositLogData(data)
	require.NoError(t, err)
	assert.Equal(t, dep, got)
	assert.Len(t, got.Encode(), depositRequestSize)

	_, err = UnpackDepositLogData(data[:100])
	assert.ErrorIs(t, err, ErrDepositLogDataTooShort)
	_, err = UnpackDepositLogData(data[:300])
	assert.ErrorIs(t, err, ErrDepositLogDataTooShort)

	bad := bytes.Clone(data)
	bad[5*32+31] = 47
	_, err = UnpackDepositLogData(bad)
	assert.ErrorIs(t, err, ErrDepositFieldSize)
}

func TestParseDepositRequests(t *testing.T) {
	first, second := testDeposit(0), testDeposit(1)
	foreign := depositLog(testDeposit(2))
	foreign.Address = common.HexToAddress("0x01")
	receipts := []*types.Receipt{
		{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{depositLog(first), foreign}},
		{Status: types.ReceiptStatusFailed, Logs: []*types.Log{depositLog(testDeposit(3))}},
		{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{{Address: depositContract}, depositLog(second)}},
	}
	out, err := ParseDepositRequests(receipts, depositContract)
	require.NoError(t, err)
	assert.Equal(t, append(first.Encode(), second.Encode()...), out)

	broken := depositLog(first)
	broken.Data = broken.Data[:64]
	_, err = ParseDepositRequests([]*types.Receipt{{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{broken}}}, depositContract)
	assert.ErrorIs(t, err, ErrDepositLogDataTooShort)
}

func withdrawalEntry(i byte) ([]common.Hash, []byte) {
	source := common.BytesToAddress([]byte{0xaa, i})
	var pubkey [48]byte
	for j := range pubkey {
		pubkey[j] = i
	}
	var e0, e1, e2 common.Hash
	copy(e0[12:], source[:])
	copy(e1[:], pubkey[:32])
	copy(e2[:16], pubkey[32:])
	e2[23] = i
	want := append(source.Bytes(), pubkey[:]...)
	want = append(want, e2[16:24]...)
	return []common.Hash{e0, e1, e2}, want
}

func TestWithdrawalRequestQueue(t *testing.T) {
	ws := newTestWorldState(t)
	q := WithdrawalRequestQueue(params.WithdrawalQueueAddress)
	assert.Nil(t, q.Dequeue(ws))

	var want []byte
	for i := byte(0); i < 20; i++ {
		entry, encoded := withdrawalEntry(i)
		q.Enqueue(ws, entry)
		want = append(want, encoded...)
	}
	const size = 20 + 48 + 8

	out := q.Dequeue(ws)
	require.Len(t, out, MaxWithdrawalRequestsPerBlock*size)
	assert.Equal(t, want[:len(out)], out)
	assert.Equal(t, uint64(16), hashToUint64(ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(queueHeadSlot))))
	assert.Equal(t, uint64(18), hashToUint64(ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(excessRequestsSlot))))
	assert.Zero(t, hashToUint64(ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(requestCountSlot))))

	out = q.Dequeue(ws)
	require.Len(t, out, 4*size)
	assert.Equal(t, want[16*size:], out)
	assert.Equal(t, common.Hash{}, ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(queueHeadSlot)))
	assert.Equal(t, common.Hash{}, ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(queueTailSlot)))
	assert.Equal(t, uint64(16), hashToUint64(ws.GetState(params.WithdrawalQueueAddress, uint64ToHash(excessRequestsSlot))))

	assert.Empty(t, q.Dequeue(ws))
}

func TestConsolidationRequestQueue(t *testing.T) {
	ws := newTestWorldState(t)
	q := ConsolidationRequestQueue(params.ConsolidationQueueAddress)
	for i := byte(1); i <= 3; i++ {
		q.Enqueue(ws, []common.Hash{
			common.BytesToHash([]byte{0xcc, i}),
			common.BytesToHash([]byte{i}),
			common.BytesToHash([]byte{i, i}),
			common.BytesToHash([]byte{i, i, i}),
		})
	}
	const size = 20 + 48 + 48
	out := q.Dequeue(ws)
	require.Len(t, out, MaxConsolidationRequestsPerBlock*size)
	assert.Equal(t, common.BytesToAddress([]byte{0xcc, 1}).Bytes(), out[:20])
	assert.Equal(t, common.BytesToAddress([]byte{0xcc, 2}).Bytes(), out[size:size+20])
	assert.Len(t, q.Dequeue(ws), size)
}

func TestProcessExecutionRequests(t *testing.T) {
	config := params.AllForksConfig(testChainID)
	config.DepositContractAddress = depositContract
	spec := config.SpecForBlock(1, 1)

	ws := newTestWorldState(t)
	proc := NewExecutionRequestsProcessor(ws)
	requests, err := proc.ProcessExecutionRequests(nil, &spec)
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, types.EmptyRequestsHash, requests.Hash())

	entry, encoded := withdrawalEntry(9)
	WithdrawalRequestQueue(spec.WithdrawalRequestAddress).Enqueue(ws, entry)
	dep := testDeposit(0)
	receipts := []*types.Receipt{{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{depositLog(dep)}}}

	requests, err = proc.ProcessExecutionRequests(receipts, &spec)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, append([]byte{types.DepositRequestType}, dep.Encode()...), requests[0])
	assert.Equal(t, append([]byte{types.WithdrawalRequestType}, encoded...), requests[1])
	assert.NotEqual(t, types.EmptyRequestsHash, requests.Hash())

	pre := params.PreMergeConfig(testChainID).SpecForBlock(1, 1)
	requests, err = proc.ProcessExecutionRequests(receipts, &pre)
	require.NoError(t, err)
	assert.Nil(t, requests)
}
