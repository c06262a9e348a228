package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Header represents a block header. Headers are treated as values: every
// accessor on Block returns a copy, and changes produce a new Block through
// WithReplacedHeader.
type Header struct {
	ParentHash  common.Hash    `json:"parentHash"`
	UncleHash   common.Hash    `json:"sha3Uncles"`
	Coinbase    common.Address `json:"miner"`
	Root        common.Hash    `json:"stateRoot"`
	TxHash      common.Hash    `json:"transactionsRoot"`
	ReceiptHash common.Hash    `json:"receiptsRoot"`
	Bloom       Bloom          `json:"logsBloom"`
	Difficulty  *big.Int       `json:"difficulty"`
	Number      *big.Int       `json:"number"`
	GasLimit    uint64         `json:"gasLimit"`
	GasUsed     uint64         `json:"gasUsed"`
	Time        uint64         `json:"timestamp"`
	Extra       []byte         `json:"extraData"`
	MixDigest   common.Hash    `json:"mixHash"`
	Nonce       BlockNonce     `json:"nonce"`

	// EIP-1559
	BaseFee *big.Int `json:"baseFeePerGas" rlp:"optional"`

	// EIP-4895
	WithdrawalsHash *common.Hash `json:"withdrawalsRoot" rlp:"optional"`

	// EIP-4844
	BlobGasUsed   *uint64 `json:"blobGasUsed" rlp:"optional"`
	ExcessBlobGas *uint64 `json:"excessBlobGas" rlp:"optional"`

	// EIP-4788
	ParentBeaconRoot *common.Hash `json:"parentBeaconBlockRoot" rlp:"optional"`

	// EIP-7685
	RequestsHash *common.Hash `json:"requestsHash" rlp:"optional"`

	// Author is the sealer of the block when it differs from Coinbase (AuRa,
	// Clique). It is not part of the consensus encoding.
	Author common.Address `json:"author" rlp:"-"`
}

// Hash returns the keccak256 hash of the RLP-encoded header.
func (h *Header) Hash() common.Hash {
	return rlpHash(h)
}

// IsPostMerge reports whether the header carries zero difficulty.
func (h *Header) IsPostMerge() bool {
	return h.Difficulty == nil || h.Difficulty.Sign() == 0
}

// Beneficiary returns the author when set, the coinbase otherwise.
func (h *Header) Beneficiary() common.Address {
	if h.Author != (common.Address{}) {
		return h.Author
	}
	return h.Coinbase
}

// CopyHeader creates a deep copy of a header.
func CopyHeader(h *Header) *Header {
	cpy := *h
	if h.Difficulty != nil {
		cpy.Difficulty = new(big.Int).Set(h.Difficulty)
	}
	if h.Number != nil {
		cpy.Number = new(big.Int).Set(h.Number)
	}
	if h.BaseFee != nil {
		cpy.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	if len(h.Extra) > 0 {
		cpy.Extra = common.CopyBytes(h.Extra)
	}
	if h.WithdrawalsHash != nil {
		wh := *h.WithdrawalsHash
		cpy.WithdrawalsHash = &wh
	}
	if h.BlobGasUsed != nil {
		bgu := *h.BlobGasUsed
		cpy.BlobGasUsed = &bgu
	}
	if h.ExcessBlobGas != nil {
		ebg := *h.ExcessBlobGas
		cpy.ExcessBlobGas = &ebg
	}
	if h.ParentBeaconRoot != nil {
		pbr := *h.ParentBeaconRoot
		cpy.ParentBeaconRoot = &pbr
	}
	if h.RequestsHash != nil {
		rh := *h.RequestsHash
		cpy.RequestsHash = &rh
	}
	return &cpy
}
