package types

import (
	"errors"
	"io"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var ErrInvalidSig = errors.New("invalid transaction v, r, s values")

// TxData is the signed payload of a transaction.
type TxData struct {
	ChainID  *big.Int
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"` // nil means contract creation
	Value    *big.Int
	Data     []byte
	V, R, S  *big.Int
}

// Transaction is an immutable signed transaction.
type Transaction struct {
	inner TxData

	hash atomic.Pointer[common.Hash]
	size atomic.Uint64
	from atomic.Pointer[sigCache]
}

type sigCache struct {
	chainID *big.Int
	from    common.Address
}

// NewTx creates a transaction from data. Callers must not modify data
// afterwards.
func NewTx(data *TxData) *Transaction {
	tx := new(Transaction)
	tx.inner = copyTxData(data)
	return tx
}

func copyTxData(d *TxData) TxData {
	cpy := TxData{
		Nonce: d.Nonce,
		Gas:   d.Gas,
		Data:  common.CopyBytes(d.Data),
	}
	if d.To != nil {
		to := *d.To
		cpy.To = &to
	}
	cpy.ChainID = copyBig(d.ChainID)
	cpy.GasPrice = copyBig(d.GasPrice)
	cpy.Value = copyBig(d.Value)
	cpy.V = copyBig(d.V)
	cpy.R = copyBig(d.R)
	cpy.S = copyBig(d.S)
	return cpy
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (tx *Transaction) ChainId() *big.Int  { return new(big.Int).Set(tx.inner.ChainID) }
func (tx *Transaction) Nonce() uint64      { return tx.inner.Nonce }
func (tx *Transaction) GasPrice() *big.Int { return new(big.Int).Set(tx.inner.GasPrice) }
func (tx *Transaction) Gas() uint64        { return tx.inner.Gas }
func (tx *Transaction) Value() *big.Int    { return new(big.Int).Set(tx.inner.Value) }
func (tx *Transaction) Data() []byte       { return common.CopyBytes(tx.inner.Data) }
func (tx *Transaction) DataLen() int       { return len(tx.inner.Data) }
func (tx *Transaction) RawSignatureValues() (v, r, s *big.Int) {
	return new(big.Int).Set(tx.inner.V), new(big.Int).Set(tx.inner.R), new(big.Int).Set(tx.inner.S)
}

// To returns the recipient, nil for contract creation.
func (tx *Transaction) To() *common.Address {
	if tx.inner.To == nil {
		return nil
	}
	to := *tx.inner.To
	return &to
}

// Cost returns gas * gasPrice + value.
func (tx *Transaction) Cost() *big.Int {
	total := new(big.Int).Mul(tx.inner.GasPrice, new(big.Int).SetUint64(tx.inner.Gas))
	return total.Add(total, tx.inner.Value)
}

// Hash returns the keccak256 of the RLP encoding.
func (tx *Transaction) Hash() common.Hash {
	if h := tx.hash.Load(); h != nil {
		return *h
	}
	h := rlpHash(&tx.inner)
	tx.hash.Store(&h)
	return h
}

// Size returns the encoded size in bytes.
func (tx *Transaction) Size() uint64 {
	if s := tx.size.Load(); s != 0 {
		return s
	}
	enc, _ := rlp.EncodeToBytes(&tx.inner)
	s := uint64(len(enc))
	tx.size.Store(s)
	return s
}

// WithSignature returns a copy of tx carrying the 65-byte [R || S || V]
// signature sig.
func (tx *Transaction) WithSignature(sig []byte) (*Transaction, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSig
	}
	cpy := copyTxData(&tx.inner)
	cpy.R = new(big.Int).SetBytes(sig[:32])
	cpy.S = new(big.Int).SetBytes(sig[32:64])
	cpy.V = new(big.Int).SetUint64(uint64(sig[64]))
	return &Transaction{inner: cpy}, nil
}

// EncodeRLP implements rlp.Encoder.
func (tx *Transaction) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &tx.inner)
}

// DecodeRLP implements rlp.Decoder.
func (tx *Transaction) DecodeRLP(s *rlp.Stream) error {
	var inner TxData
	if err := s.Decode(&inner); err != nil {
		return err
	}
	tx.inner = copyTxData(&inner)
	return nil
}

// Transactions implements DerivableList for the transactions root.
type Transactions []*Transaction

func (s Transactions) Len() int { return len(s) }

func (s Transactions) EncodeIndex(i int) []byte {
	enc, _ := rlp.EncodeToBytes(s[i])
	return enc
}
