package types

import (
	"io"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Body contains the transactions and auxiliary data of a block.
type Body struct {
	Transactions []*Transaction
	Uncles       []*Header
	Withdrawals  []*Withdrawal `rlp:"optional"`
}

// Block is an immutable header plus body. Identity is the header hash,
// computed once and memoized.
type Block struct {
	header       *Header
	transactions Transactions
	uncles       []*Header
	withdrawals  Withdrawals

	hash atomic.Pointer[common.Hash]
	size atomic.Uint64
}

// extblock is the consensus RLP encoding of a block.
type extblock struct {
	Header      *Header
	Txs         []*Transaction
	Uncles      []*Header
	Withdrawals []*Withdrawal `rlp:"optional"`
}

// NewBlockWithHeader creates a block with the given header and an empty
// body.
func NewBlockWithHeader(header *Header) *Block {
	return &Block{header: CopyHeader(header)}
}

// NewBlock creates a block and derives the transactions root, uncle hash,
// withdrawals root, receipts root and logs bloom in its header from body
// and receipts. The header's state root and gas fields are kept as given.
func NewBlock(header *Header, body *Body, receipts []*Receipt) *Block {
	b := &Block{header: CopyHeader(header)}
	if body == nil {
		body = &Body{}
	}
	if len(body.Transactions) == 0 {
		b.header.TxHash = EmptyRootHash
	} else {
		b.header.TxHash = DeriveSha(Transactions(body.Transactions))
		b.transactions = make(Transactions, len(body.Transactions))
		copy(b.transactions, body.Transactions)
	}
	if len(receipts) == 0 {
		b.header.ReceiptHash = EmptyRootHash
	} else {
		b.header.ReceiptHash = DeriveSha(Receipts(receipts))
		b.header.Bloom = CreateBloom(receipts)
	}
	if len(body.Uncles) == 0 {
		b.header.UncleHash = EmptyUncleHash
	} else {
		b.header.UncleHash = CalcUncleHash(body.Uncles)
		b.uncles = make([]*Header, len(body.Uncles))
		for i := range body.Uncles {
			b.uncles[i] = CopyHeader(body.Uncles[i])
		}
	}
	if body.Withdrawals != nil {
		h := DeriveSha(Withdrawals(body.Withdrawals))
		b.header.WithdrawalsHash = &h
		b.withdrawals = copyWithdrawals(body.Withdrawals)
	}
	return b
}

func copyWithdrawals(ws []*Withdrawal) Withdrawals {
	out := make(Withdrawals, len(ws))
	for i, w := range ws {
		cpy := *w
		out[i] = &cpy
	}
	return out
}

// CalcUncleHash returns the keccak of the RLP list of uncles.
func CalcUncleHash(uncles []*Header) common.Hash {
	if len(uncles) == 0 {
		return EmptyUncleHash
	}
	return rlpHash(uncles)
}

// WithReplacedHeader returns a new block with the same body and header h.
// The receiver is not modified.
func (b *Block) WithReplacedHeader(h *Header) *Block {
	return &Block{
		header:       CopyHeader(h),
		transactions: b.transactions,
		uncles:       b.uncles,
		withdrawals:  b.withdrawals,
	}
}

// WithBody returns a new block with the receiver's header and body.
func (b *Block) WithBody(body Body) *Block {
	nb := &Block{header: b.header, transactions: make(Transactions, len(body.Transactions))}
	copy(nb.transactions, body.Transactions)
	nb.uncles = make([]*Header, len(body.Uncles))
	for i := range body.Uncles {
		nb.uncles[i] = CopyHeader(body.Uncles[i])
	}
	if body.Withdrawals != nil {
		nb.withdrawals = copyWithdrawals(body.Withdrawals)
	}
	return nb
}

// Header returns a copy of the block header.
func (b *Block) Header() *Header { return CopyHeader(b.header) }

// Body returns the block body. The slices are shared and must not be
// modified.
func (b *Block) Body() *Body {
	return &Body{Transactions: b.transactions, Uncles: b.uncles, Withdrawals: b.withdrawals}
}

func (b *Block) Transactions() Transactions { return b.transactions }
func (b *Block) Uncles() []*Header          { return b.uncles }
func (b *Block) Withdrawals() Withdrawals   { return b.withdrawals }

// Transaction returns the transaction with the given hash, or nil.
func (b *Block) Transaction(hash common.Hash) *Transaction {
	for _, tx := range b.transactions {
		if tx.Hash() == hash {
			return tx
		}
	}
	return nil
}

func (b *Block) Number() *big.Int {
	if b.header.Number == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.header.Number)
}

func (b *Block) NumberU64() uint64 {
	if b.header.Number == nil {
		return 0
	}
	return b.header.Number.Uint64()
}

func (b *Block) Difficulty() *big.Int {
	if b.header.Difficulty == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.header.Difficulty)
}

func (b *Block) BaseFee() *big.Int {
	if b.header.BaseFee == nil {
		return nil
	}
	return new(big.Int).Set(b.header.BaseFee)
}

func (b *Block) GasLimit() uint64         { return b.header.GasLimit }
func (b *Block) GasUsed() uint64          { return b.header.GasUsed }
func (b *Block) Time() uint64             { return b.header.Time }
func (b *Block) ParentHash() common.Hash  { return b.header.ParentHash }
func (b *Block) Root() common.Hash        { return b.header.Root }
func (b *Block) TxHash() common.Hash      { return b.header.TxHash }
func (b *Block) ReceiptHash() common.Hash { return b.header.ReceiptHash }
func (b *Block) UncleHash() common.Hash   { return b.header.UncleHash }
func (b *Block) Coinbase() common.Address { return b.header.Coinbase }
func (b *Block) Author() common.Address   { return b.header.Beneficiary() }
func (b *Block) Bloom() Bloom             { return b.header.Bloom }
func (b *Block) Extra() []byte            { return common.CopyBytes(b.header.Extra) }
func (b *Block) IsPostMerge() bool        { return b.header.IsPostMerge() }
func (b *Block) ParentBeaconRoot() *common.Hash {
	if b.header.ParentBeaconRoot == nil {
		return nil
	}
	h := *b.header.ParentBeaconRoot
	return &h
}

// IsGenesis reports whether b is block zero.
func (b *Block) IsGenesis() bool { return b.NumberU64() == 0 }

// Hash returns the header hash, memoized.
func (b *Block) Hash() common.Hash {
	if h := b.hash.Load(); h != nil {
		return *h
	}
	h := b.header.Hash()
	b.hash.Store(&h)
	return h
}

// Size returns the RLP encoded size of the block.
func (b *Block) Size() uint64 {
	if s := b.size.Load(); s != 0 {
		return s
	}
	enc, _ := rlp.EncodeToBytes(b)
	s := uint64(len(enc))
	b.size.Store(s)
	return s
}

// EncodeRLP implements rlp.Encoder.
func (b *Block) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &extblock{
		Header:      b.header,
		Txs:         b.transactions,
		Uncles:      b.uncles,
		Withdrawals: b.withdrawals,
	})
}

// DecodeRLP implements rlp.Decoder.
func (b *Block) DecodeRLP(s *rlp.Stream) error {
	var eb extblock
	if err := s.Decode(&eb); err != nil {
		return err
	}
	b.header = eb.Header
	b.transactions = eb.Txs
	b.uncles = eb.Uncles
	b.withdrawals = eb.Withdrawals
	return nil
}

// Blocks is a convenience alias for block slices.
type Blocks []*Block
