package state

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/types"
)

// stateAccount is a committed account. It is immutable once part of a
// committedState; the storage root is computed lazily and cached.
type stateAccount struct {
	nonce    uint64
	balance  uint256.Int
	codeHash common.Hash
	storage  map[common.Hash]common.Hash

	rootOnce sync.Once
	root     common.Hash
}

// accountRLP is the consensus encoding of an account in the state trie.
type accountRLP struct {
	Nonce    uint64
	Balance  *uint256.Int
	Root     common.Hash
	CodeHash []byte
}

func (a *stateAccount) storageRoot() common.Hash {
	a.rootOnce.Do(func() {
		a.root = storageRoot(a.storage)
	})
	return a.root
}

func (a *stateAccount) encode() []byte {
	enc, err := rlp.EncodeToBytes(&accountRLP{
		Nonce:    a.nonce,
		Balance:  new(uint256.Int).Set(&a.balance),
		Root:     a.storageRoot(),
		CodeHash: a.codeHash.Bytes(),
	})
	if err != nil {
		panic("state: encode account: " + err.Error())
	}
	return enc
}

func storageRoot(storage map[common.Hash]common.Hash) common.Hash {
	if len(storage) == 0 {
		return types.EmptyRootHash
	}
	keys := make([][]byte, 0, len(storage))
	values := make([][]byte, 0, len(storage))
	for k, v := range storage {
		if v == (common.Hash{}) {
			continue
		}
		enc, _ := rlp.EncodeToBytes(common.TrimLeftZeroes(v[:]))
		keys = append(keys, crypto.Keccak256(k[:]))
		values = append(values, enc)
	}
	return types.SortedTrieRoot(keys, values)
}

// stateObject is an account with pending modifications.
type stateObject struct {
	address common.Address
	origin  *stateAccount // nil for accounts created in this state

	nonce    uint64
	balance  uint256.Int
	codeHash common.Hash
	code     []byte

	dirtyStorage map[common.Hash]common.Hash

	// created is set when the origin storage must be ignored.
	created bool
	deleted bool
	touched bool
}

func newObject(addr common.Address, origin *stateAccount) *stateObject {
	obj := &stateObject{
		address:      addr,
		origin:       origin,
		codeHash:     types.EmptyCodeHash,
		dirtyStorage: make(map[common.Hash]common.Hash),
	}
	if origin != nil {
		obj.nonce = origin.nonce
		obj.balance = origin.balance
		obj.codeHash = origin.codeHash
	} else {
		obj.created = true
	}
	return obj
}

func (o *stateObject) empty() bool {
	return o.nonce == 0 && o.balance.IsZero() && o.codeHash == types.EmptyCodeHash
}

func (o *stateObject) getState(key common.Hash) common.Hash {
	if v, ok := o.dirtyStorage[key]; ok {
		return v
	}
	if o.created || o.origin == nil {
		return common.Hash{}
	}
	return o.origin.storage[key]
}

// finalize merges pending changes into a new committed account.
func (o *stateObject) finalize() *stateAccount {
	if o.origin != nil && !o.created && len(o.dirtyStorage) == 0 &&
		o.nonce == o.origin.nonce && o.balance.Eq(&o.origin.balance) && o.codeHash == o.origin.codeHash {
		return o.origin
	}
	acc := &stateAccount{nonce: o.nonce, balance: o.balance, codeHash: o.codeHash}
	size := len(o.dirtyStorage)
	if !o.created && o.origin != nil {
		size += len(o.origin.storage)
	}
	acc.storage = make(map[common.Hash]common.Hash, size)
	if !o.created && o.origin != nil {
		for k, v := range o.origin.storage {
			acc.storage[k] = v
		}
	}
	for k, v := range o.dirtyStorage {
		if v == (common.Hash{}) {
			delete(acc.storage, k)
		} else {
			acc.storage[k] = v
		}
	}
	return acc
}
