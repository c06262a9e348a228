package core

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
)

// AcceptTxResult is the verdict of a TxFilter.
type AcceptTxResult struct {
	id      int
	code    string
	message string
}

// Filter verdicts.
var (
	Accepted              = AcceptTxResult{0, "Accepted", ""}
	InsufficientFunds     = AcceptTxResult{1, "InsufficientFunds", ""}
	NonceGap              = AcceptTxResult{2, "NonceGap", ""}
	OldNonce              = AcceptTxResult{3, "OldNonce", ""}
	GasLimitExceeded      = AcceptTxResult{4, "GasLimitExceeded", ""}
	FeeTooLow             = AcceptTxResult{5, "FeeTooLow", ""}
	MaxTxSizeExceeded     = AcceptTxResult{6, "MaxTxSizeExceeded", ""}
	FailedToResolveSender = AcceptTxResult{7, "FailedToResolveSender", ""}
)

// OK reports whether the transaction may be included.
func (r AcceptTxResult) OK() bool { return r.id == 0 }

// WithMessage returns a copy carrying extra detail.
func (r AcceptTxResult) WithMessage(msg string) AcceptTxResult {
	r.message = msg
	return r
}

// Is compares verdicts ignoring the message.
func (r AcceptTxResult) Is(other AcceptTxResult) bool { return r.id == other.id }

func (r AcceptTxResult) String() string {
	if r.message == "" {
		return r.code
	}
	return r.code + ", " + r.message
}

// TxFilter decides whether a transaction may be included in a block. While
// producing a block a rejected transaction is skipped; while validating one
// it makes the block invalid.
type TxFilter interface {
	IsAllowed(tx *types.Transaction, header *types.Header, ws state.StateReader) AcceptTxResult
}

// TxFilterFunc adapts a function to TxFilter.
type TxFilterFunc func(tx *types.Transaction, header *types.Header, ws state.StateReader) AcceptTxResult

func (f TxFilterFunc) IsAllowed(tx *types.Transaction, header *types.Header, ws state.StateReader) AcceptTxResult {
	return f(tx, header, ws)
}

// AcceptAllFilter lets every transaction through.
var AcceptAllFilter TxFilter = TxFilterFunc(func(*types.Transaction, *types.Header, state.StateReader) AcceptTxResult {
	return Accepted
})

// MinGasPriceFilter rejects transactions paying less than MinGasPrice, or
// less than the header base fee.
type MinGasPriceFilter struct {
	MinGasPrice *big.Int
}

func (f MinGasPriceFilter) IsAllowed(tx *types.Transaction, header *types.Header, _ state.StateReader) AcceptTxResult {
	price := tx.GasPrice()
	if f.MinGasPrice != nil && price.Cmp(f.MinGasPrice) < 0 {
		return FeeTooLow.WithMessage(fmt.Sprintf("gas price %s below minimum %s", price, f.MinGasPrice))
	}
	if header.BaseFee != nil && price.Cmp(header.BaseFee) < 0 {
		return FeeTooLow.WithMessage(fmt.Sprintf("gas price %s below base fee %s", price, header.BaseFee))
	}
	return Accepted
}

// BalanceNonceFilter checks the sender nonce and that the sender can pay
// for gas and value.
type BalanceNonceFilter struct {
	Signer types.Signer
}

func (f BalanceNonceFilter) IsAllowed(tx *types.Transaction, _ *types.Header, ws state.StateReader) AcceptTxResult {
	from, err := f.Signer.Sender(tx)
	if err != nil {
		return FailedToResolveSender.WithMessage(err.Error())
	}
	nonce := ws.GetNonce(from)
	switch {
	case tx.Nonce() < nonce:
		return OldNonce.WithMessage(fmt.Sprintf("tx nonce %d, account nonce %d", tx.Nonce(), nonce))
	case tx.Nonce() > nonce:
		return NonceGap.WithMessage(fmt.Sprintf("tx nonce %d, account nonce %d", tx.Nonce(), nonce))
	}
	cost, overflow := uint256.FromBig(tx.Cost())
	if overflow {
		return InsufficientFunds.WithMessage("cost overflow")
	}
	if balance := ws.GetBalance(from); balance.Lt(cost) {
		return InsufficientFunds.WithMessage(fmt.Sprintf("balance %s, cost %s", balance, cost))
	}
	return Accepted
}

// CompositeTxFilter applies filters in order and returns the first
// rejection.
type CompositeTxFilter []TxFilter

func (c CompositeTxFilter) IsAllowed(tx *types.Transaction, header *types.Header, ws state.StateReader) AcceptTxResult {
	for _, f := range c {
		if res := f.IsAllowed(tx, header, ws); !res.OK() {
			return res
		}
	}
	return Accepted
}
