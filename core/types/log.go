package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// Log is an event emitted during transaction execution.
type Log struct {
	// Consensus fields.
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`

	// Derived fields, filled in when receipts are attached to a block.
	BlockNumber uint64      `json:"blockNumber" rlp:"-"`
	TxHash      common.Hash `json:"transactionHash" rlp:"-"`
	TxIndex     uint        `json:"transactionIndex" rlp:"-"`
	BlockHash   common.Hash `json:"blockHash" rlp:"-"`
	Index       uint        `json:"logIndex" rlp:"-"`
}
