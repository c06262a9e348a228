package types

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
)

// Execution request types (EIP-7685).
const (
	DepositRequestType       byte = 0x00 // EIP-6110
	WithdrawalRequestType    byte = 0x01 // EIP-7002
	ConsolidationRequestType byte = 0x02 // EIP-7251
)

// Requests is a list of typed execution requests, each encoded as
// request_type ++ request_data.
type Requests [][]byte

// RequestsHash computes the EIP-7685 commitment: sha256 over the sha256 of
// each non-empty typed request list.
func (r Requests) Hash() common.Hash {
	outer := sha256.New()
	for _, req := range r {
		if len(req) <= 1 {
			continue
		}
		inner := sha256.Sum256(req)
		outer.Write(inner[:])
	}
	var h common.Hash
	copy(h[:], outer.Sum(nil))
	return h
}
