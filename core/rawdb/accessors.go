package rawdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/blockpipe/core/types"
)

// --- Headers ---

// WriteHeader stores a header and its hash->number mapping.
func WriteHeader(db KeyValueWriter, header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	number, hash := header.Number.Uint64(), header.Hash()
	if err := db.Put(headerKey(number, hash), data); err != nil {
		return err
	}
	return db.Put(headerNumberKey(hash), encodeBlockNumber(number))
}

// ReadHeader retrieves a header by number and hash.
func ReadHeader(db KeyValueReader, hash common.Hash, number uint64) (*types.Header, error) {
	data, err := db.Get(headerKey(number, hash))
	if err != nil {
		return nil, err
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("decode header %x: %w", hash, err)
	}
	return header, nil
}

// ReadHeaderNumber returns the number of the header with the given hash.
func ReadHeaderNumber(db KeyValueReader, hash common.Hash) (uint64, error) {
	data, err := db.Get(headerNumberKey(hash))
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, ErrNotFound
	}
	return binary.BigEndian.Uint64(data), nil
}

// HasHeader reports whether the header is stored.
func HasHeader(db KeyValueReader, hash common.Hash, number uint64) bool {
	ok, _ := db.Has(headerKey(number, hash))
	return ok
}

// DeleteHeader removes a header and its hash->number mapping.
func DeleteHeader(db KeyValueWriter, hash common.Hash, number uint64) error {
	if err := db.Delete(headerKey(number, hash)); err != nil {
		return err
	}
	return db.Delete(headerNumberKey(hash))
}

// --- Bodies ---

// WriteBody stores a block body.
func WriteBody(db KeyValueWriter, hash common.Hash, number uint64, body *types.Body) error {
	data, err := rlp.EncodeToBytes(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return db.Put(bodyKey(number, hash), data)
}

// ReadBody retrieves a block body.
func ReadBody(db KeyValueReader, hash common.Hash, number uint64) (*types.Body, error) {
	data, err := db.Get(bodyKey(number, hash))
	if err != nil {
		return nil, err
	}
	body := new(types.Body)
	if err := rlp.DecodeBytes(data, body); err != nil {
		return nil, fmt.Errorf("decode body %x: %w", hash, err)
	}
	return body, nil
}

// HasBody reports whether the body is stored.
func HasBody(db KeyValueReader, hash common.Hash, number uint64) bool {
	ok, _ := db.Has(bodyKey(number, hash))
	return ok
}

// DeleteBody removes a block body.
func DeleteBody(db KeyValueWriter, hash common.Hash, number uint64) error {
	return db.Delete(bodyKey(number, hash))
}

// WriteBlock stores header and body of block.
func WriteBlock(db KeyValueWriter, block *types.Block) error {
	if err := WriteHeader(db, block.Header()); err != nil {
		return err
	}
	return WriteBody(db, block.Hash(), block.NumberU64(), block.Body())
}

// ReadBlock assembles a block from its stored header and body.
func ReadBlock(db KeyValueReader, hash common.Hash, number uint64) (*types.Block, error) {
	header, err := ReadHeader(db, hash, number)
	if err != nil {
		return nil, err
	}
	body, err := ReadBody(db, hash, number)
	if err != nil {
		return nil, err
	}
	return types.NewBlockWithHeader(header).WithBody(*body), nil
}

// --- Receipts ---

// WriteReceipts stores the receipts of a block in storage encoding.
func WriteReceipts(db KeyValueWriter, hash common.Hash, number uint64, receipts types.Receipts) error {
	stored := make([]*types.ReceiptForStorage, len(receipts))
	for i, r := range receipts {
		stored[i] = (*types.ReceiptForStorage)(r)
	}
	data, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("encode receipts: %w", err)
	}
	return db.Put(receiptsKey(number, hash), data)
}

// ReadRawReceipts retrieves receipts without derived fields.
func ReadRawReceipts(db KeyValueReader, hash common.Hash, number uint64) (types.Receipts, error) {
	data, err := db.Get(receiptsKey(number, hash))
	if err != nil {
		return nil, err
	}
	var stored []*types.ReceiptForStorage
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("decode receipts %x: %w", hash, err)
	}
	receipts := make(types.Receipts, len(stored))
	for i, r := range stored {
		receipts[i] = (*types.Receipt)(r)
	}
	return receipts, nil
}

// HasReceipts reports whether receipts for the block are stored.
func HasReceipts(db KeyValueReader, hash common.Hash, number uint64) bool {
	ok, _ := db.Has(receiptsKey(number, hash))
	return ok
}

// DeleteReceipts removes the receipts of a block.
func DeleteReceipts(db KeyValueWriter, hash common.Hash, number uint64) error {
	return db.Delete(receiptsKey(number, hash))
}

// TxLookupEntry locates a transaction inside a block.
type TxLookupEntry struct {
	BlockHash   common.Hash
	BlockNumber uint64
	Index       uint64
}

// WriteTxLookupEntries indexes every transaction of block.
func WriteTxLookupEntries(db KeyValueWriter, block *types.Block) error {
	for i, tx := range block.Transactions() {
		data, err := rlp.EncodeToBytes(&TxLookupEntry{BlockHash: block.Hash(), BlockNumber: block.NumberU64(), Index: uint64(i)})
		if err != nil {
			return err
		}
		if err := db.Put(txLookupKey(tx.Hash()), data); err != nil {
			return err
		}
	}
	return nil
}

// ReadTxLookupEntry returns where a transaction was included.
func ReadTxLookupEntry(db KeyValueReader, txHash common.Hash) (*TxLookupEntry, error) {
	data, err := db.Get(txLookupKey(txHash))
	if err != nil {
		return nil, err
	}
	entry := new(TxLookupEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// --- Canonical chain ---

func WriteCanonicalHash(db KeyValueWriter, hash common.Hash, number uint64) error {
	return db.Put(canonicalKey(number), hash.Bytes())
}

func ReadCanonicalHash(db KeyValueReader, number uint64) (common.Hash, error) {
	data, err := db.Get(canonicalKey(number))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func DeleteCanonicalHash(db KeyValueWriter, number uint64) error {
	return db.Delete(canonicalKey(number))
}

func WriteHeadBlockHash(db KeyValueWriter, hash common.Hash) error {
	return db.Put(headBlockKey, hash.Bytes())
}

func ReadHeadBlockHash(db KeyValueReader) (common.Hash, error) {
	data, err := db.Get(headBlockKey)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func writeUint64(db KeyValueWriter, key []byte, v uint64) error {
	return db.Put(key, encodeBlockNumber(v))
}

func readUint64(db KeyValueReader, key []byte) (uint64, error) {
	data, err := db.Get(key)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("rawdb: malformed value under %q", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func WriteBestKnownNumber(db KeyValueWriter, number uint64) error {
	return writeUint64(db, bestKnownNumberKey, number)
}

func ReadBestKnownNumber(db KeyValueReader) (uint64, error) {
	return readUint64(db, bestKnownNumberKey)
}

func WriteSyncPivot(db KeyValueWriter, number uint64) error {
	return writeUint64(db, syncPivotKey, number)
}

// ReadSyncPivot returns the sync pivot, zero when none was recorded.
func ReadSyncPivot(db KeyValueReader) (uint64, error) {
	n, err := readUint64(db, syncPivotKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return n, err
}

// --- Chain levels ---

// WriteChainLevel stores the block infos known at number.
func WriteChainLevel(db KeyValueWriter, number uint64, level *types.ChainLevelInfo) error {
	data, err := rlp.EncodeToBytes(level)
	if err != nil {
		return fmt.Errorf("encode chain level %d: %w", number, err)
	}
	return db.Put(chainLevelKey(number), data)
}

// ReadChainLevel returns the level at number, or ErrNotFound.
func ReadChainLevel(db KeyValueReader, number uint64) (*types.ChainLevelInfo, error) {
	data, err := db.Get(chainLevelKey(number))
	if err != nil {
		return nil, err
	}
	level := new(types.ChainLevelInfo)
	if err := rlp.DecodeBytes(data, level); err != nil {
		return nil, fmt.Errorf("decode chain level %d: %w", number, err)
	}
	return level, nil
}

func DeleteChainLevel(db KeyValueWriter, number uint64) error {
	return db.Delete(chainLevelKey(number))
}

// --- State ---

// WriteStateRoot records the state root committed for a block number.
func WriteStateRoot(db KeyValueWriter, number uint64, root common.Hash) error {
	return db.Put(stateRootKey(number), root.Bytes())
}

func ReadStateRoot(db KeyValueReader, number uint64) (common.Hash, error) {
	data, err := db.Get(stateRootKey(number))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func WriteStateDump(db KeyValueWriter, root common.Hash, dump []byte) error {
	return db.Put(stateDumpKey(root), dump)
}

func ReadStateDump(db KeyValueReader, root common.Hash) ([]byte, error) {
	return db.Get(stateDumpKey(root))
}

func HasStateDump(db KeyValueReader, root common.Hash) bool {
	ok, _ := db.Has(stateDumpKey(root))
	return ok
}

func DeleteStateDump(db KeyValueWriter, root common.Hash) error {
	return db.Delete(stateDumpKey(root))
}

func WriteCode(db KeyValueWriter, codeHash common.Hash, code []byte) error {
	return db.Put(codeKey(codeHash), code)
}

func ReadCode(db KeyValueReader, codeHash common.Hash) ([]byte, error) {
	return db.Get(codeKey(codeHash))
}
