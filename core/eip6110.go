package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/blockpipe/core/types"
)

// EIP-6110: validator deposits are read from the deposit contract logs of
// a block and committed to as execution requests.

// DepositEventSignature is keccak256("DepositEvent(bytes,bytes,bytes,bytes,bytes)").
var DepositEventSignature = crypto.Keccak256Hash([]byte("DepositEvent(bytes,bytes,bytes,bytes,bytes)"))

// depositRequestSize is the encoded size of one deposit request.
const depositRequestSize = 48 + 32 + 8 + 96 + 8

var (
	ErrDepositLogDataTooShort = errors.New("deposit log data too short")
	ErrDepositFieldSize       = errors.New("deposit log field has wrong size")
)

// DepositRequest is a decoded DepositEvent.
type DepositRequest struct {
	Pubkey                [48]byte
	WithdrawalCredentials [32]byte
	Amount                uint64 // gwei
	Signature             [96]byte
	Index                 uint64
}

// Encode returns pubkey ++ credentials ++ amount ++ signature ++ index with
// little-endian integers, as emitted by the deposit contract.
func (d *DepositRequest) Encode() []byte {
	out := make([]byte, 0, depositRequestSize)
	out = append(out, d.Pubkey[:]...)
	out = append(out, d.WithdrawalCredentials[:]...)
	out = binary.LittleEndian.AppendUint64(out, d.Amount)
	out = append(out, d.Signature[:]...)
	out = binary.LittleEndian.AppendUint64(out, d.Index)
	return out
}

// ParseDepositRequests concatenates the encoded deposits found in the
// successful receipts of a block. A malformed deposit event invalidates
// the block.
func ParseDepositRequests(receipts []*types.Receipt, depositContract common.Address) ([]byte, error) {
	var out []byte
	for _, receipt := range receipts {
		if receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}
		for _, l := range receipt.Logs {
			if l.Address != depositContract || len(l.Topics) == 0 || l.Topics[0] != DepositEventSignature {
				continue
			}
			dep, err := UnpackDepositLogData(l.Data)
			if err != nil {
				return nil, fmt.Errorf("tx %x: %w", receipt.TxHash, err)
			}
			out = append(out, dep.Encode()...)
		}
	}
	return out, nil
}

// UnpackDepositLogData decodes the ABI encoding of DepositEvent: five
// offsets followed by five length-prefixed byte strings.
func UnpackDepositLogData(data []byte) (*DepositRequest, error) {
	if len(data) < 5*32 {
		return nil, ErrDepositLogDataTooShort
	}
	readField := func(i, size int) ([]byte, error) {
		offset := binary.BigEndian.Uint64(data[i*32+24 : (i+1)*32])
		if offset+32 > uint64(len(data)) {
			return nil, ErrDepositLogDataTooShort
		}
		length := binary.BigEndian.Uint64(data[offset+24 : offset+32])
		if length != uint64(size) {
			return nil, fmt.Errorf("%w: field %d is %d bytes, want %d", ErrDepositFieldSize, i, length, size)
		}
		start := offset + 32
		if start+length > uint64(len(data)) {
			return nil, ErrDepositLogDataTooShort
		}
		return data[start : start+length], nil
	}

	dep := new(DepositRequest)
	sizes := []int{48, 32, 8, 96, 8}
	fields := make([][]byte, len(sizes))
	for i, size := range sizes {
		f, err := readField(i, size)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	copy(dep.Pubkey[:], fields[0])
	copy(dep.WithdrawalCredentials[:], fields[1])
	dep.Amount = binary.LittleEndian.Uint64(fields[2])
	copy(dep.Signature[:], fields[3])
	dep.Index = binary.LittleEndian.Uint64(fields[4])
	return dep, nil
}

// PackDepositLogData builds the ABI-encoded DepositEvent payload for dep.
func PackDepositLogData(dep *DepositRequest) []byte {
	amount := binary.LittleEndian.AppendUint64(nil, dep.Amount)
	index := binary.LittleEndian.AppendUint64(nil, dep.Index)
	fields := [][]byte{dep.Pubkey[:], dep.WithdrawalCredentials[:], amount, dep.Signature[:], index}

	buf := make([]byte, 5*32)
	offset := uint64(len(buf))
	for i, f := range fields {
		binary.BigEndian.PutUint64(buf[i*32+24:], offset)
		offset += 32 + uint64((len(f)+31)/32*32)
	}
	for _, f := range fields {
		word := make([]byte, 32)
		binary.BigEndian.PutUint64(word[24:], uint64(len(f)))
		buf = append(buf, word...)
		padded := make([]byte, (len(f)+31)/32*32)
		copy(padded, f)
		buf = append(buf, padded...)
	}
	return buf
}
