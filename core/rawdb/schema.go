package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes of the database schema.
var (
	headerPrefix       = []byte("h") // h + num (8 bytes BE) + hash -> header RLP
	headerNumberPrefix = []byte("H") // H + hash -> num (8 bytes BE)
	bodyPrefix         = []byte("b") // b + num + hash -> body RLP
	receiptPrefix      = []byte("r") // r + num + hash -> stored receipts RLP
	txLookupPrefix     = []byte("l") // l + tx hash -> lookup entry RLP
	canonicalPrefix    = []byte("c") // c + num -> canonical hash
	chainLevelPrefix   = []byte("L") // L + num -> chain level info RLP
	stateRootPrefix    = []byte("S") // S + num -> state root committed for that block number
	stateDumpPrefix    = []byte("s") // s + root -> committed state dump RLP
	codePrefix         = []byte("C") // C + code hash -> bytecode

	headBlockKey       = []byte("LastBlock")
	bestKnownNumberKey = []byte("BestKnownNumber")
	syncPivotKey       = []byte("SyncPivot")
)

// encodeBlockNumber encodes a block number as an 8-byte big-endian value.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func withNumberHash(prefix []byte, number uint64, hash common.Hash) []byte {
	key := make([]byte, 0, len(prefix)+8+common.HashLength)
	key = append(key, prefix...)
	key = append(key, encodeBlockNumber(number)...)
	return append(key, hash[:]...)
}

func withBytes(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

func headerKey(number uint64, hash common.Hash) []byte   { return withNumberHash(headerPrefix, number, hash) }
func headerNumberKey(hash common.Hash) []byte            { return withBytes(headerNumberPrefix, hash[:]) }
func bodyKey(number uint64, hash common.Hash) []byte     { return withNumberHash(bodyPrefix, number, hash) }
func receiptsKey(number uint64, hash common.Hash) []byte { return withNumberHash(receiptPrefix, number, hash) }
func txLookupKey(txHash common.Hash) []byte              { return withBytes(txLookupPrefix, txHash[:]) }
func canonicalKey(number uint64) []byte                  { return withBytes(canonicalPrefix, encodeBlockNumber(number)) }
func chainLevelKey(number uint64) []byte                 { return withBytes(chainLevelPrefix, encodeBlockNumber(number)) }
func stateRootKey(number uint64) []byte                  { return withBytes(stateRootPrefix, encodeBlockNumber(number)) }
func stateDumpKey(root common.Hash) []byte               { return withBytes(stateDumpPrefix, root[:]) }
func codeKey(codeHash common.Hash) []byte                { return withBytes(codePrefix, codeHash[:]) }
