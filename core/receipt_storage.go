package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
)

// ErrReceiptsNotFound is returned when no receipts are stored for a block.
var ErrReceiptsNotFound = errors.New("receipts not found")

const receiptsCacheSize = 128

// ReceiptStorage persists the receipts of processed blocks.
type ReceiptStorage interface {
	// Insert stores receipts for block and indexes its transactions.
	Insert(block *types.Block, receipts []*types.Receipt) error
	// Get returns the receipts of the block with hash, derived fields set.
	Get(hash common.Hash) ([]*types.Receipt, error)
	// GetByNumber returns the receipts of the canonical block at number.
	GetByNumber(number uint64) ([]*types.Receipt, error)
	// FindBlockHash returns the block that included txHash.
	FindBlockHash(txHash common.Hash) (common.Hash, error)
}

// PersistentReceiptStorage keeps receipts in a rawdb database, with the
// most recently used blocks cached.
type PersistentReceiptStorage struct {
	db     rawdb.Database
	signer types.Signer
	cache  *lru.Cache[common.Hash, []*types.Receipt]
}

var _ ReceiptStorage = (*PersistentReceiptStorage)(nil)

// NewReceiptStorage creates a receipt store over db.
func NewReceiptStorage(db rawdb.Database, signer types.Signer) *PersistentReceiptStorage {
	cache, _ := lru.New[common.Hash, []*types.Receipt](receiptsCacheSize)
	return &PersistentReceiptStorage{db: db, signer: signer, cache: cache}
}

func (s *PersistentReceiptStorage) Insert(block *types.Block, receipts []*types.Receipt) error {
	if len(receipts) != block.Transactions().Len() {
		return fmt.Errorf("block %d: %d receipts for %d transactions", block.NumberU64(), len(receipts), block.Transactions().Len())
	}
	batch := s.db.NewBatch()
	if err := rawdb.WriteReceipts(batch, block.Hash(), block.NumberU64(), receipts); err != nil {
		return err
	}
	if err := rawdb.WriteTxLookupEntries(batch, block); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write receipts of block %d: %w", block.NumberU64(), err)
	}
	s.cache.Add(block.Hash(), receipts)
	return nil
}

func (s *PersistentReceiptStorage) Get(hash common.Hash) ([]*types.Receipt, error) {
	if receipts, ok := s.cache.Get(hash); ok {
		return receipts, nil
	}
	number, err := rawdb.ReadHeaderNumber(s.db, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown block %x", ErrReceiptsNotFound, hash)
	}
	receipts, err := rawdb.ReadRawReceipts(s.db, hash, number)
	if errors.Is(err, rawdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %d (%x)", ErrReceiptsNotFound, number, hash)
	}
	if err != nil {
		return nil, err
	}
	block, err := rawdb.ReadBlock(s.db, hash, number)
	if err != nil {
		return nil, fmt.Errorf("read block %d for receipts: %w", number, err)
	}
	if err := receipts.DeriveFields(s.signer, hash, number, block.Transactions()); err != nil {
		return nil, err
	}
	s.cache.Add(hash, receipts)
	return receipts, nil
}

func (s *PersistentReceiptStorage) GetByNumber(number uint64) ([]*types.Receipt, error) {
	hash, err := rawdb.ReadCanonicalHash(s.db, number)
	if err != nil {
		return nil, fmt.Errorf("%w: no canonical block %d", ErrReceiptsNotFound, number)
	}
	return s.Get(hash)
}

func (s *PersistentReceiptStorage) FindBlockHash(txHash common.Hash) (common.Hash, error) {
	entry, err := rawdb.ReadTxLookupEntry(s.db, txHash)
	if err != nil {
		return common.Hash{}, err
	}
	return entry.BlockHash, nil
}

// GetReceipt returns the receipt of a single transaction.
func (s *PersistentReceiptStorage) GetReceipt(txHash common.Hash) (*types.Receipt, error) {
	entry, err := rawdb.ReadTxLookupEntry(s.db, txHash)
	if err != nil {
		return nil, err
	}
	receipts, err := s.Get(entry.BlockHash)
	if err != nil {
		return nil, err
	}
	if entry.Index >= uint64(len(receipts)) {
		return nil, fmt.Errorf("%w: tx index %d out of range", ErrReceiptsNotFound, entry.Index)
	}
	return receipts[entry.Index], nil
}
