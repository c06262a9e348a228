package core

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
)

// Block tree errors.
var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrNotContiguous   = errors.New("blocks not contiguous")
	ErrDeleteMainChain = errors.New("cannot delete levels at or below the head")
)

const (
	headerCacheSize = 1024
	blockCacheSize  = 256
	levelCacheSize  = 1024
)

// AddBlockResult is the outcome of suggesting a block to the tree.
type AddBlockResult int

const (
	Added AddBlockResult = iota
	AlreadyKnown
	UnknownParent
	InvalidBlock
)

func (r AddBlockResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyKnown:
		return "already known"
	case UnknownParent:
		return "unknown parent"
	case InvalidBlock:
		return "invalid"
	default:
		return fmt.Sprintf("AddBlockResult(%d)", int(r))
	}
}

// NewHeadBlockEvent is posted when the canonical head moves.
type NewHeadBlockEvent struct{ Block *types.Block }

// BlockAddedToMainEvent is posted for every block that becomes canonical,
// in ascending order.
type BlockAddedToMainEvent struct{ Block *types.Block }

// BlockTree stores every known block with its chain level metadata and
// tracks the canonical chain. Blocks are persisted in rawdb; hot headers,
// blocks and levels are cached.
type BlockTree struct {
	mu sync.RWMutex
	db rawdb.Database

	headers *lru.Cache[common.Hash, *types.Header]
	blocks  *lru.Cache[common.Hash, *types.Block]
	levels  *lru.Cache[uint64, *types.ChainLevelInfo]

	genesis   *types.Block
	head      *types.Block
	headTD    *big.Int
	bestKnown uint64

	newHeadFeed          event.Feed
	blockAddedToMainFeed event.Feed

	metrics *metrics.Metrics
	log     *log.Logger
}

// NewBlockTree opens the tree stored in db. The head and best known number
// are restored from a previous run when present.
func NewBlockTree(db rawdb.Database, m *metrics.Metrics, logger *log.Logger) (*BlockTree, error) {
	headers, _ := lru.New[common.Hash, *types.Header](headerCacheSize)
	blocks, _ := lru.New[common.Hash, *types.Block](blockCacheSize)
	levels, _ := lru.New[uint64, *types.ChainLevelInfo](levelCacheSize)
	t := &BlockTree{
		db:      db,
		headers: headers,
		blocks:  blocks,
		levels:  levels,
		metrics: m,
		log:     logger.Module("blocktree"),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *BlockTree) load() error {
	if hash, err := rawdb.ReadCanonicalHash(t.db, 0); err == nil {
		t.genesis = t.findBlock(hash)
	}
	if n, err := rawdb.ReadBestKnownNumber(t.db); err == nil {
		t.bestKnown = n
	} else if !errors.Is(err, rawdb.ErrNotFound) {
		return err
	}
	hash, err := rawdb.ReadHeadBlockHash(t.db)
	if errors.Is(err, rawdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	head := t.findBlock(hash)
	if head == nil {
		return fmt.Errorf("%w: head %x", ErrBlockNotFound, hash)
	}
	info := t.blockInfo(hash, head.NumberU64())
	if info == nil {
		return fmt.Errorf("%w: no level info for head %d", ErrLevelCorruption, head.NumberU64())
	}
	t.head, t.headTD = head, info.TotalDifficulty
	t.log.Info("Loaded block tree", "head", head.NumberU64(), "hash", hash, "bestKnown", t.bestKnown)
	return nil
}

// SuggestBlock stores block and records it in its chain level with its
// total difficulty. It does not process the block or move the head.
func (t *BlockTree) SuggestBlock(block *types.Block) (AddBlockResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	number, hash := block.NumberU64(), block.Hash()
	level := t.level(number)
	if info, _ := level.Find(hash); info != nil {
		return AlreadyKnown, nil
	}

	td := block.Difficulty()
	if !block.IsGenesis() {
		parent := t.blockInfo(block.ParentHash(), number-1)
		if parent == nil {
			return UnknownParent, nil
		}
		if parent.Bad {
			return InvalidBlock, nil
		}
		td.Add(td, parent.TotalDifficulty)
	} else if t.genesis != nil && t.genesis.Hash() != hash {
		return InvalidBlock, fmt.Errorf("genesis mismatch: have %x, got %x", t.genesis.Hash(), hash)
	}

	batch := t.db.NewBatch()
	if err := rawdb.WriteBlock(batch, block); err != nil {
		return InvalidBlock, err
	}
	if level == nil {
		level = &types.ChainLevelInfo{}
	}
	level.Insert(&types.BlockInfo{Hash: hash, TotalDifficulty: td})
	if err := rawdb.WriteChainLevel(batch, number, level); err != nil {
		return InvalidBlock, err
	}
	if number > t.bestKnown || t.genesis == nil {
		t.bestKnown = number
		if err := rawdb.WriteBestKnownNumber(batch, number); err != nil {
			return InvalidBlock, err
		}
	}
	if block.IsGenesis() {
		if err := rawdb.WriteCanonicalHash(batch, hash, 0); err != nil {
			return InvalidBlock, err
		}
	}
	if err := batch.Write(); err != nil {
		return InvalidBlock, fmt.Errorf("store block %d: %w", number, err)
	}
	if block.IsGenesis() {
		t.genesis = block
	}
	t.levels.Add(number, level)
	t.blocks.Add(hash, block)
	t.headers.Add(hash, block.Header())
	t.metrics.BestKnownBlockNumber.Set(float64(t.bestKnown))

	t.log.Debug("Block added to tree", "number", number, "hash", hash, "td", td)
	return Added, nil
}

// UpdateMainChain makes blocks canonical. blocks must be contiguous and
// ascending, and blocks[0] must be a child of a canonical block or the
// genesis. Canonical levels above the last block are unmarked. When
// wereProcessed is set the last block becomes the head.
//
// It returns a ReorgEvent when previously canonical blocks were replaced.
func (t *BlockTree) UpdateMainChain(blocks []*types.Block, wereProcessed bool) (*ReorgEvent, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].ParentHash() != blocks[i-1].Hash() {
			return nil, fmt.Errorf("%w: %d -> %d", ErrNotContiguous, blocks[i-1].NumberU64(), blocks[i].NumberU64())
		}
	}

	t.mu.Lock()
	first, last := blocks[0], blocks[len(blocks)-1]
	var reorg *ReorgEvent
	if t.head != nil && first.ParentHash() != t.head.Hash() {
		reorg = t.collectReorg(blocks)
	}

	// Levels are changed on copies and cached only once the batch is
	// written, so a failed write leaves the cache matching the store.
	batch := t.db.NewBatch()
	updated := make(map[uint64]*types.ChainLevelInfo)
	if t.head != nil && last.NumberU64() < t.head.NumberU64() {
		for n := last.NumberU64() + 1; n <= t.head.NumberU64(); n++ {
			level := t.level(n)
			if level == nil || !level.HasBlockOnMainChain {
				continue
			}
			level = cloneLevel(level)
			level.HasBlockOnMainChain = false
			if err := rawdb.WriteChainLevel(batch, n, level); err != nil {
				t.mu.Unlock()
				return nil, err
			}
			updated[n] = level
			if err := rawdb.DeleteCanonicalHash(batch, n); err != nil {
				t.mu.Unlock()
				return nil, err
			}
		}
	}

	var td *big.Int
	for _, block := range blocks {
		number := block.NumberU64()
		level := t.level(number)
		if level == nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: block %d (%x) not in tree", ErrBlockNotFound, number, block.Hash())
		}
		level = cloneLevel(level)
		if !level.SwapToMain(block.Hash()) {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: block %d (%x) not in tree", ErrBlockNotFound, number, block.Hash())
		}
		td = level.BlockInfos[0].TotalDifficulty
		if err := rawdb.WriteChainLevel(batch, number, level); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		updated[number] = level
		if err := rawdb.WriteCanonicalHash(batch, block.Hash(), number); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	if wereProcessed {
		if err := rawdb.WriteHeadBlockHash(batch, last.Hash()); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	if err := batch.Write(); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("update main chain: %w", err)
	}
	for n, level := range updated {
		t.levels.Add(n, level)
	}
	if wereProcessed {
		t.head, t.headTD = last, td
		t.metrics.BlockchainHeight.Set(float64(last.NumberU64()))
	}
	t.mu.Unlock()

	for _, block := range blocks {
		t.blockAddedToMainFeed.Send(BlockAddedToMainEvent{Block: block})
	}
	if wereProcessed {
		t.log.Debug("New head", "number", last.NumberU64(), "hash", last.Hash(), "td", td)
		t.newHeadFeed.Send(NewHeadBlockEvent{Block: last})
	}
	return reorg, nil
}

// collectReorg lists the canonical blocks replaced by blocks, or returns
// nil when none are. Caller holds t.mu.
func (t *BlockTree) collectReorg(blocks []*types.Block) *ReorgEvent {
	first, last := blocks[0], blocks[len(blocks)-1]
	ev := &ReorgEvent{OldHead: t.head.Hash(), NewHead: last.Hash()}
	if first.NumberU64() > 0 {
		ev.CommonAncestor = first.NumberU64() - 1
	}
	for n := first.NumberU64(); n <= t.head.NumberU64(); n++ {
		main := t.level(n).MainChainBlock()
		if main == nil {
			continue
		}
		if i := n - first.NumberU64(); i < uint64(len(blocks)) && blocks[i].Hash() == main.Hash {
			ev.CommonAncestor = n
			continue
		}
		ev.Dropped = append(ev.Dropped, main.Hash)
	}
	if len(ev.Dropped) == 0 {
		return nil
	}
	for _, b := range blocks {
		ev.Added = append(ev.Added, b.Hash())
	}
	return ev
}

// DeleteLevels removes the chain levels from..to inclusive together with
// their blocks, and lowers the best known number. Levels at or below the
// head cannot be deleted.
func (t *BlockTree) DeleteLevels(from, to uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.head != nil && from <= t.head.NumberU64() {
		return fmt.Errorf("%w: from %d, head %d", ErrDeleteMainChain, from, t.head.NumberU64())
	}
	batch := t.db.NewBatch()
	for n := from; n <= to; n++ {
		if level := t.level(n); level != nil {
			for _, info := range level.BlockInfos {
				if err := rawdb.DeleteHeader(batch, info.Hash, n); err != nil {
					return err
				}
				if err := rawdb.DeleteBody(batch, info.Hash, n); err != nil {
					return err
				}
				t.headers.Remove(info.Hash)
				t.blocks.Remove(info.Hash)
			}
		}
		if err := rawdb.DeleteChainLevel(batch, n); err != nil {
			return err
		}
		t.levels.Remove(n)
	}
	if from > 0 && t.bestKnown >= from {
		t.bestKnown = from - 1
		if err := rawdb.WriteBestKnownNumber(batch, t.bestKnown); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("delete levels %d..%d: %w", from, to, err)
	}
	t.metrics.BestKnownBlockNumber.Set(float64(t.bestKnown))
	t.log.Warn("Deleted chain levels", "from", from, "to", to, "bestKnown", t.bestKnown)
	return nil
}

// MarkProcessed records that block was executed successfully.
func (t *BlockTree) MarkProcessed(block *types.Block) error {
	return t.updateInfo(block.Hash(), block.NumberU64(), func(info *types.BlockInfo) { info.WasProcessed = true })
}

// MarkBad records that block failed processing.
func (t *BlockTree) MarkBad(hash common.Hash, number uint64) error {
	return t.updateInfo(hash, number, func(info *types.BlockInfo) { info.Bad = true })
}

func (t *BlockTree) updateInfo(hash common.Hash, number uint64, fn func(*types.BlockInfo)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	level := t.level(number)
	info, _ := level.Find(hash)
	if info == nil {
		return fmt.Errorf("%w: %d (%x)", ErrBlockNotFound, number, hash)
	}
	fn(info)
	return t.writeLevel(t.db, number, level)
}

// Head returns the canonical head, nil before the genesis is processed.
func (t *BlockTree) Head() *types.Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// HeadTotalDifficulty returns the total difficulty of the head.
func (t *BlockTree) HeadTotalDifficulty() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.headTD == nil {
		return nil
	}
	return new(big.Int).Set(t.headTD)
}

// Genesis returns block zero, nil if it was never suggested.
func (t *BlockTree) Genesis() *types.Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.genesis
}

// BestKnownNumber is the highest block number stored in the tree.
func (t *BlockTree) BestKnownNumber() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bestKnown
}

// ChainLevel returns a copy of the level at number, or nil.
func (t *BlockTree) ChainLevel(number uint64) *types.ChainLevelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	level := t.level(number)
	if level == nil {
		return nil
	}
	cpy := &types.ChainLevelInfo{HasBlockOnMainChain: level.HasBlockOnMainChain}
	for _, info := range level.BlockInfos {
		c := *info
		if info.TotalDifficulty != nil {
			c.TotalDifficulty = new(big.Int).Set(info.TotalDifficulty)
		}
		cpy.BlockInfos = append(cpy.BlockInfos, &c)
	}
	return cpy
}

// BlockInfo returns a copy of the metadata of the block, or nil.
func (t *BlockTree) BlockInfo(hash common.Hash, number uint64) *types.BlockInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := t.blockInfo(hash, number)
	if info == nil {
		return nil
	}
	cpy := *info
	return &cpy
}

// TotalDifficulty returns the total difficulty of a known block.
func (t *BlockTree) TotalDifficulty(header *types.Header) *big.Int {
	info := t.BlockInfo(header.Hash(), header.Number.Uint64())
	if info == nil || info.TotalDifficulty == nil {
		return nil
	}
	return new(big.Int).Set(info.TotalDifficulty)
}

// WasProcessed reports whether the block was executed successfully.
func (t *BlockTree) WasProcessed(hash common.Hash, number uint64) bool {
	info := t.BlockInfo(hash, number)
	return info != nil && info.WasProcessed
}

// IsMainChain reports whether hash is the canonical block at its height.
func (t *BlockTree) IsMainChain(hash common.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	number, err := rawdb.ReadHeaderNumber(t.db, hash)
	if err != nil {
		return false
	}
	main := t.level(number).MainChainBlock()
	return main != nil && main.Hash == hash
}

// FindHeader returns the header with hash, or nil.
func (t *BlockTree) FindHeader(hash common.Hash) *types.Header {
	if h, ok := t.headers.Get(hash); ok {
		return types.CopyHeader(h)
	}
	number, err := rawdb.ReadHeaderNumber(t.db, hash)
	if err != nil {
		return nil
	}
	h, err := rawdb.ReadHeader(t.db, hash, number)
	if err != nil {
		return nil
	}
	t.headers.Add(hash, h)
	return types.CopyHeader(h)
}

// FindParentHeader implements HeaderFinder.
func (t *BlockTree) FindParentHeader(header *types.Header) *types.Header {
	if header.Number.Sign() == 0 {
		return nil
	}
	return t.FindHeader(header.ParentHash)
}

// FindHeaderByNumber returns the canonical header at number, or nil.
func (t *BlockTree) FindHeaderByNumber(number uint64) *types.Header {
	hash, err := rawdb.ReadCanonicalHash(t.db, number)
	if err != nil {
		return nil
	}
	return t.FindHeader(hash)
}

// FindBlock returns the block with hash, or nil.
func (t *BlockTree) FindBlock(hash common.Hash) *types.Block {
	return t.findBlock(hash)
}

func (t *BlockTree) findBlock(hash common.Hash) *types.Block {
	if b, ok := t.blocks.Get(hash); ok {
		return b
	}
	number, err := rawdb.ReadHeaderNumber(t.db, hash)
	if err != nil {
		return nil
	}
	b, err := rawdb.ReadBlock(t.db, hash, number)
	if err != nil {
		return nil
	}
	t.blocks.Add(hash, b)
	return b
}

// FindBlockByNumber returns the canonical block at number, or nil.
func (t *BlockTree) FindBlockByNumber(number uint64) *types.Block {
	hash, err := rawdb.ReadCanonicalHash(t.db, number)
	if err != nil {
		return nil
	}
	return t.findBlock(hash)
}

// FindParent returns the parent block, or nil.
func (t *BlockTree) FindParent(block *types.Block) *types.Block {
	if block.IsGenesis() {
		return nil
	}
	return t.findBlock(block.ParentHash())
}

// HasHeaderOnly reports whether the header is stored without its body.
func (t *BlockTree) HasHeaderOnly(hash common.Hash, number uint64) bool {
	return rawdb.HasHeader(t.db, hash, number) && !rawdb.HasBody(t.db, hash, number)
}

// SubscribeNewHead registers ch for NewHeadBlockEvent.
func (t *BlockTree) SubscribeNewHead(ch chan<- NewHeadBlockEvent) event.Subscription {
	return t.newHeadFeed.Subscribe(ch)
}

// SubscribeBlockAddedToMain registers ch for BlockAddedToMainEvent.
func (t *BlockTree) SubscribeBlockAddedToMain(ch chan<- BlockAddedToMainEvent) event.Subscription {
	return t.blockAddedToMainFeed.Subscribe(ch)
}

// level returns the cached level at number, nil if none. Caller holds t.mu.
func (t *BlockTree) level(number uint64) *types.ChainLevelInfo {
	if l, ok := t.levels.Get(number); ok {
		return l
	}
	l, err := rawdb.ReadChainLevel(t.db, number)
	if err != nil {
		if !errors.Is(err, rawdb.ErrNotFound) {
			t.log.Error("Failed to read chain level", "number", number, "err", err)
		}
		return nil
	}
	t.levels.Add(number, l)
	return l
}

func (t *BlockTree) blockInfo(hash common.Hash, number uint64) *types.BlockInfo {
	info, _ := t.level(number).Find(hash)
	return info
}

// cloneLevel copies the entry list of l. Entries are shared.
func cloneLevel(l *types.ChainLevelInfo) *types.ChainLevelInfo {
	return &types.ChainLevelInfo{HasBlockOnMainChain: l.HasBlockOnMainChain, BlockInfos: slices.Clone(l.BlockInfos)}
}

func (t *BlockTree) writeLevel(w rawdb.KeyValueWriter, number uint64, level *types.ChainLevelInfo) error {
	if err := rawdb.WriteChainLevel(w, number, level); err != nil {
		return err
	}
	t.levels.Add(number, level)
	return nil
}
