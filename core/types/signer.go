package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrChainIDMismatch = errors.New("transaction chain id mismatch")

// Signer derives signing hashes and recovers senders for one chain id.
type Signer struct {
	chainID *big.Int
}

// NewSigner returns a signer for chainID.
func NewSigner(chainID *big.Int) Signer {
	if chainID == nil {
		chainID = new(big.Int)
	}
	return Signer{chainID: new(big.Int).Set(chainID)}
}

// ChainID returns the chain id the signer is bound to.
func (s Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Hash returns the digest signed by the sender: the transaction without
// its signature values.
func (s Signer) Hash(tx *Transaction) common.Hash {
	return rlpHash([]any{
		s.chainID,
		tx.inner.Nonce,
		tx.inner.GasPrice,
		tx.inner.Gas,
		tx.inner.To,
		tx.inner.Value,
		tx.inner.Data,
	})
}

// Sender recovers the address that signed tx. The result is cached on the
// transaction per chain id.
func (s Signer) Sender(tx *Transaction) (common.Address, error) {
	if sc := tx.from.Load(); sc != nil && sc.chainID.Cmp(s.chainID) == 0 {
		return sc.from, nil
	}
	if tx.inner.ChainID.Cmp(s.chainID) != 0 {
		return common.Address{}, fmt.Errorf("%w: have %d want %d", ErrChainIDMismatch, tx.inner.ChainID, s.chainID)
	}
	v, r, sv := tx.inner.V, tx.inner.R, tx.inner.S
	if v.BitLen() > 8 || !crypto.ValidateSignatureValues(byte(v.Uint64()), r, sv, true) {
		return common.Address{}, ErrInvalidSig
	}
	sig := make([]byte, crypto.SignatureLength)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:64])
	sig[64] = byte(v.Uint64())
	pub, err := crypto.SigToPub(s.Hash(tx).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	tx.from.Store(&sigCache{chainID: s.ChainID(), from: addr})
	return addr, nil
}

// SignTx signs tx with key.
func SignTx(tx *Transaction, s Signer, key *ecdsa.PrivateKey) (*Transaction, error) {
	sig, err := crypto.Sign(s.Hash(tx).Bytes(), key)
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(sig)
}

// MustSignNewTx creates and signs a transaction, panicking on error.
func MustSignNewTx(key *ecdsa.PrivateKey, s Signer, data *TxData) *Transaction {
	d := *data
	d.ChainID = s.ChainID()
	tx, err := SignTx(NewTx(&d), s, key)
	if err != nil {
		panic(err)
	}
	return tx
}
