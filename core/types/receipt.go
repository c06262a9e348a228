package types

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Receipt status values.
const (
	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)
)

var (
	receiptStatusFailedRLP     = []byte{}
	receiptStatusSuccessfulRLP = []byte{0x01}
)

// Receipt is the outcome of executing one transaction.
type Receipt struct {
	// Consensus fields. PostState is set instead of Status before Byzantium.
	PostState         []byte `json:"root"`
	Status            uint64 `json:"status"`
	CumulativeGasUsed uint64 `json:"cumulativeGasUsed"`
	Bloom             Bloom  `json:"logsBloom"`
	Logs              []*Log `json:"logs"`

	// Derived fields.
	TxHash          common.Hash    `json:"transactionHash"`
	ContractAddress common.Address `json:"contractAddress"`
	GasUsed         uint64         `json:"gasUsed"`

	BlockHash        common.Hash `json:"blockHash"`
	BlockNumber      *big.Int    `json:"blockNumber"`
	TransactionIndex uint        `json:"transactionIndex"`
}

type receiptRLP struct {
	PostStateOrStatus []byte
	CumulativeGasUsed uint64
	Bloom             Bloom
	Logs              []*Log
}

type storedReceiptRLP struct {
	PostStateOrStatus []byte
	CumulativeGasUsed uint64
	Logs              []*Log
}

// NewReceipt creates a receipt. A non-empty root selects the pre-Byzantium
// intermediate state form.
func NewReceipt(root []byte, failed bool, cumulativeGasUsed uint64) *Receipt {
	r := &Receipt{PostState: common.CopyBytes(root), CumulativeGasUsed: cumulativeGasUsed}
	if failed {
		r.Status = ReceiptStatusFailed
	} else {
		r.Status = ReceiptStatusSuccessful
	}
	return r
}

func (r *Receipt) statusEncoding() []byte {
	if len(r.PostState) == 0 {
		if r.Status == ReceiptStatusFailed {
			return receiptStatusFailedRLP
		}
		return receiptStatusSuccessfulRLP
	}
	return r.PostState
}

func (r *Receipt) setStatus(postStateOrStatus []byte) error {
	switch {
	case bytes.Equal(postStateOrStatus, receiptStatusSuccessfulRLP):
		r.Status = ReceiptStatusSuccessful
	case bytes.Equal(postStateOrStatus, receiptStatusFailedRLP):
		r.Status = ReceiptStatusFailed
	case len(postStateOrStatus) == len(common.Hash{}):
		r.PostState = postStateOrStatus
	default:
		return fmt.Errorf("invalid receipt status %x", postStateOrStatus)
	}
	return nil
}

// EncodeRLP implements rlp.Encoder with the consensus encoding.
func (r *Receipt) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &receiptRLP{r.statusEncoding(), r.CumulativeGasUsed, r.Bloom, r.Logs})
}

// DecodeRLP implements rlp.Decoder.
func (r *Receipt) DecodeRLP(s *rlp.Stream) error {
	var dec receiptRLP
	if err := s.Decode(&dec); err != nil {
		return err
	}
	r.CumulativeGasUsed, r.Bloom, r.Logs = dec.CumulativeGasUsed, dec.Bloom, dec.Logs
	return r.setStatus(dec.PostStateOrStatus)
}

// ReceiptForStorage is the storage encoding: bloom and derived fields are
// recomputed when read back.
type ReceiptForStorage Receipt

// EncodeRLP implements rlp.Encoder.
func (r *ReceiptForStorage) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &storedReceiptRLP{(*Receipt)(r).statusEncoding(), r.CumulativeGasUsed, r.Logs})
}

// DecodeRLP implements rlp.Decoder.
func (r *ReceiptForStorage) DecodeRLP(s *rlp.Stream) error {
	var dec storedReceiptRLP
	if err := s.Decode(&dec); err != nil {
		return err
	}
	if err := (*Receipt)(r).setStatus(dec.PostStateOrStatus); err != nil {
		return err
	}
	r.CumulativeGasUsed = dec.CumulativeGasUsed
	r.Logs = dec.Logs
	r.Bloom = LogsBloom(r.Logs)
	return nil
}

// Receipts implements DerivableList for the receipts root.
type Receipts []*Receipt

func (rs Receipts) Len() int { return len(rs) }

func (rs Receipts) EncodeIndex(i int) []byte {
	enc, _ := rlp.EncodeToBytes(rs[i])
	return enc
}

// DeriveFields fills the non-consensus fields of receipts from the block
// they belong to.
func (rs Receipts) DeriveFields(signer Signer, hash common.Hash, number uint64, txs []*Transaction) error {
	if len(txs) != len(rs) {
		return fmt.Errorf("transaction and receipt count mismatch: %d vs %d", len(txs), len(rs))
	}
	var logIndex uint
	for i, r := range rs {
		r.TxHash = txs[i].Hash()
		r.BlockHash = hash
		r.BlockNumber = new(big.Int).SetUint64(number)
		r.TransactionIndex = uint(i)
		if i == 0 {
			r.GasUsed = r.CumulativeGasUsed
		} else {
			r.GasUsed = r.CumulativeGasUsed - rs[i-1].CumulativeGasUsed
		}
		if txs[i].To() == nil {
			from, err := signer.Sender(txs[i])
			if err != nil {
				return err
			}
			r.ContractAddress = crypto.CreateAddress(from, txs[i].Nonce())
		}
		for _, l := range r.Logs {
			l.BlockNumber = number
			l.BlockHash = hash
			l.TxHash = r.TxHash
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}
	}
	return nil
}
