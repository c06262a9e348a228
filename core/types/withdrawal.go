package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Withdrawal is a beacon chain validator withdrawal credited by the
// execution layer (EIP-4895).
type Withdrawal struct {
	Index     uint64         `json:"index"`
	Validator uint64         `json:"validatorIndex"`
	Address   common.Address `json:"address"`
	Amount    uint64         `json:"amount"` // in gwei
}

// Withdrawals implements DerivableList.
type Withdrawals []*Withdrawal

func (s Withdrawals) Len() int { return len(s) }

func (s Withdrawals) EncodeIndex(i int) []byte {
	enc, _ := rlp.EncodeToBytes(s[i])
	return enc
}
