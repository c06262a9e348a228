// Package types defines the immutable chain data structures processed by
// the pipeline: headers, blocks, transactions, receipts and logs.
package types

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

var (
	// EmptyRootHash is the root of an empty Merkle-Patricia trie.
	EmptyRootHash = common.HexToHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

	// EmptyUncleHash is the keccak of the RLP encoding of an empty list.
	EmptyUncleHash = common.HexToHash("1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347")

	// EmptyCodeHash is the keccak of empty bytecode.
	EmptyCodeHash = crypto.Keccak256Hash(nil)

	// EmptyRequestsHash is the EIP-7685 commitment to an empty request list.
	EmptyRequestsHash = common.HexToHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
)

// BlockNonce is the 8-byte proof-of-work nonce, zero after the merge.
type BlockNonce [8]byte

// EncodeNonce converts i to a big-endian block nonce.
func EncodeNonce(i uint64) BlockNonce {
	var n BlockNonce
	binary.BigEndian.PutUint64(n[:], i)
	return n
}

// rlpHash returns keccak256 of the RLP encoding of x.
func rlpHash(x any) common.Hash {
	enc, err := rlp.EncodeToBytes(x)
	if err != nil {
		panic("types: rlp encode: " + err.Error())
	}
	return crypto.Keccak256Hash(enc)
}

// DerivableList is an indexed list whose items can be committed into an
// ordered Merkle-Patricia trie keyed by rlp(index).
type DerivableList interface {
	Len() int
	EncodeIndex(i int) []byte
}

// DeriveSha commits list into a stack trie and returns its root. Keys are
// inserted in byte order as the stack trie requires.
func DeriveSha(list DerivableList) common.Hash {
	n := list.Len()
	if n == 0 {
		return EmptyRootHash
	}
	type kv struct{ k, v []byte }
	items := make([]kv, n)
	for i := 0; i < n; i++ {
		key, _ := rlp.EncodeToBytes(uint64(i))
		items[i] = kv{k: key, v: list.EncodeIndex(i)}
	}
	sort.Slice(items, func(a, b int) bool { return bytes.Compare(items[a].k, items[b].k) < 0 })
	st := trie.NewStackTrie(nil)
	for _, it := range items {
		if err := st.Update(it.k, it.v); err != nil {
			panic("types: stack trie update: " + err.Error())
		}
	}
	return st.Hash()
}

// SortedTrieRoot commits arbitrary key/value pairs into a stack trie after
// sorting them by key. Empty values must be filtered by the caller.
func SortedTrieRoot(keys, values [][]byte) common.Hash {
	if len(keys) == 0 {
		return EmptyRootHash
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return bytes.Compare(keys[idx[a]], keys[idx[b]]) < 0 })
	st := trie.NewStackTrie(nil)
	for _, i := range idx {
		if err := st.Update(keys[i], values[i]); err != nil {
			panic("types: stack trie update: " + err.Error())
		}
	}
	return st.Hash()
}
