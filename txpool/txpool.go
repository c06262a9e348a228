// Package txpool keeps signed transactions waiting for inclusion and feeds
// them to the block builder.
package txpool

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
)

// Pool limits.
const (
	// PriceBump is the minimum gas price bump percentage for replace-by-fee.
	PriceBump = 10

	// MaxNonceGap bounds how far ahead of the state nonce a transaction may
	// be queued.
	MaxNonceGap = 64

	// MaxTxSize is the maximum encoded transaction size.
	MaxTxSize = 128 * 1024
)

var (
	ErrAlreadyKnown           = errors.New("already known")
	ErrInvalidSender          = errors.New("invalid sender")
	ErrNonceTooLow            = errors.New("nonce too low")
	ErrNonceTooHigh           = errors.New("nonce too high")
	ErrInsufficientFunds      = errors.New("insufficient funds for gas * price + value")
	ErrTxPoolFull             = errors.New("transaction pool is full")
	ErrUnderpriced            = errors.New("transaction underpriced")
	ErrReplacementUnderpriced = errors.New("replacement transaction underpriced")
	ErrSenderLimitExceeded    = errors.New("per-sender transaction limit exceeded")
	ErrOversizedData          = errors.New("oversized data")
)

// Config holds pool limits.
type Config struct {
	MaxSize      int      // transactions in pool
	MaxPerSender int      // pending plus queued, per sender
	MinGasPrice  *big.Int // accepted minimum
}

// DefaultConfig returns sensible defaults for the pool.
func DefaultConfig() Config {
	return Config{
		MaxSize:      4096,
		MaxPerSender: 16,
		MinGasPrice:  big.NewInt(1),
	}
}

// StateReader provides the head account state used for validation.
type StateReader interface {
	GetNonce(addr common.Address) uint64
	GetBalance(addr common.Address) *uint256.Int
}

// txSortedList keeps one sender's transactions ordered by nonce.
type txSortedList struct {
	items []*types.Transaction
}

func (l *txSortedList) add(tx *types.Transaction) {
	idx := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Nonce() >= tx.Nonce()
	})
	if idx < len(l.items) && l.items[idx].Nonce() == tx.Nonce() {
		l.items[idx] = tx
		return
	}
	l.items = append(l.items, nil)
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = tx
}

func (l *txSortedList) get(nonce uint64) *types.Transaction {
	idx := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Nonce() >= nonce
	})
	if idx < len(l.items) && l.items[idx].Nonce() == nonce {
		return l.items[idx]
	}
	return nil
}

func (l *txSortedList) remove(nonce uint64) bool {
	for i, tx := range l.items {
		if tx.Nonce() == nonce {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// ready returns the run of transactions starting at nonce.
func (l *txSortedList) ready(nonce uint64) []*types.Transaction {
	var out []*types.Transaction
	for _, tx := range l.items {
		if tx.Nonce() != nonce {
			break
		}
		out = append(out, tx)
		nonce++
	}
	return out
}

// TxPool holds pending transactions, executable on the head state, and
// queued ones waiting for a nonce gap to close.
type TxPool struct {
	config Config
	signer types.Signer

	mu      sync.RWMutex
	state   StateReader
	pending map[common.Address]*txSortedList
	queue   map[common.Address]*txSortedList
	all     map[common.Hash]*types.Transaction

	log *log.Logger
}

// New creates a pool validating against state.
func New(config Config, signer types.Signer, state StateReader, logger *log.Logger) *TxPool {
	def := DefaultConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = def.MaxSize
	}
	if config.MaxPerSender <= 0 {
		config.MaxPerSender = def.MaxPerSender
	}
	if config.MinGasPrice == nil {
		config.MinGasPrice = def.MinGasPrice
	}
	return &TxPool{
		config:  config,
		signer:  signer,
		state:   state,
		pending: make(map[common.Address]*txSortedList),
		queue:   make(map[common.Address]*txSortedList),
		all:     make(map[common.Hash]*types.Transaction),
		log:     logger.Module("txpool"),
	}
}

// Add validates tx and inserts it as pending or queued.
func (pool *TxPool) Add(tx *types.Transaction) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, ok := pool.all[tx.Hash()]; ok {
		return ErrAlreadyKnown
	}
	from, err := pool.signer.Sender(tx)
	if err != nil {
		return errors.Join(ErrInvalidSender, err)
	}
	if err := pool.validate(from, tx); err != nil {
		return err
	}

	replaced, err := pool.checkReplacement(from, tx)
	if err != nil {
		return err
	}
	if !replaced {
		if pool.senderCount(from) >= pool.config.MaxPerSender {
			return ErrSenderLimitExceeded
		}
		if len(pool.all) >= pool.config.MaxSize {
			return ErrTxPoolFull
		}
	}
	pool.all[tx.Hash()] = tx

	if tx.Nonce() == pool.nextNonce(from) {
		pool.list(pool.pending, from).add(tx)
		pool.promote(from)
	} else {
		pool.list(pool.queue, from).add(tx)
	}
	pool.log.Debug("Transaction added", "hash", tx.Hash(), "from", from, "nonce", tx.Nonce())
	return nil
}

func (pool *TxPool) validate(from common.Address, tx *types.Transaction) error {
	if tx.Size() > MaxTxSize {
		return ErrOversizedData
	}
	if tx.GasPrice().Cmp(pool.config.MinGasPrice) < 0 {
		return ErrUnderpriced
	}
	stateNonce := pool.state.GetNonce(from)
	if tx.Nonce() < stateNonce {
		return ErrNonceTooLow
	}
	if tx.Nonce() > stateNonce+MaxNonceGap {
		return ErrNonceTooHigh
	}
	cost, overflow := uint256.FromBig(tx.Cost())
	if overflow || pool.state.GetBalance(from).Lt(cost) {
		return ErrInsufficientFunds
	}
	return nil
}

// checkReplacement drops an existing transaction with the same nonce when
// tx pays at least PriceBump percent more.
func (pool *TxPool) checkReplacement(from common.Address, tx *types.Transaction) (bool, error) {
	for _, lists := range []map[common.Address]*txSortedList{pool.pending, pool.queue} {
		list, ok := lists[from]
		if !ok {
			continue
		}
		old := list.get(tx.Nonce())
		if old == nil {
			continue
		}
		threshold := new(big.Int).Mul(old.GasPrice(), big.NewInt(100+PriceBump))
		threshold.Div(threshold, big.NewInt(100))
		if tx.GasPrice().Cmp(threshold) < 0 {
			return false, ErrReplacementUnderpriced
		}
		delete(pool.all, old.Hash())
		return true, nil
	}
	return false, nil
}

func (pool *TxPool) list(lists map[common.Address]*txSortedList, from common.Address) *txSortedList {
	list, ok := lists[from]
	if !ok {
		list = &txSortedList{}
		lists[from] = list
	}
	return list
}

func (pool *TxPool) senderCount(from common.Address) int {
	count := 0
	if list, ok := pool.pending[from]; ok {
		count += len(list.items)
	}
	if list, ok := pool.queue[from]; ok {
		count += len(list.items)
	}
	return count
}

// nextNonce is the nonce a new pending transaction of from must carry.
func (pool *TxPool) nextNonce(from common.Address) uint64 {
	if list := pool.pending[from]; list != nil && len(list.items) > 0 {
		return list.items[len(list.items)-1].Nonce() + 1
	}
	return pool.state.GetNonce(from)
}

// promote moves queued transactions that became executable to pending.
func (pool *TxPool) promote(from common.Address) {
	queued, ok := pool.queue[from]
	if !ok {
		return
	}
	for _, tx := range queued.ready(pool.nextNonce(from)) {
		pool.list(pool.pending, from).add(tx)
		queued.remove(tx.Nonce())
	}
	if len(queued.items) == 0 {
		delete(pool.queue, from)
	}
}

// Pending returns the executable transactions whose gas fits gasLimit, in
// nonce order per sender. It implements core.TxSource.
func (pool *TxPool) Pending(_ *types.Header, gasLimit uint64) []*types.Transaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	var out []*types.Transaction
	for _, list := range pool.pending {
		for _, tx := range list.items {
			if tx.Gas() > gasLimit {
				break
			}
			out = append(out, tx)
		}
	}
	return out
}

// Get retrieves a transaction by hash.
func (pool *TxPool) Get(hash common.Hash) *types.Transaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.all[hash]
}

// Stats returns the number of pending and queued transactions.
func (pool *TxPool) Stats() (pending, queued int) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	for _, list := range pool.pending {
		pending += len(list.items)
	}
	for _, list := range pool.queue {
		queued += len(list.items)
	}
	return pending, queued
}

// Reset switches to a new head state, dropping transactions whose nonces
// were used and promoting queued ones.
func (pool *TxPool) Reset(state StateReader) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	pool.state = state
	dropped := 0
	for _, lists := range []map[common.Address]*txSortedList{pool.pending, pool.queue} {
		for addr, list := range lists {
			nonce := state.GetNonce(addr)
			kept := list.items[:0]
			for _, tx := range list.items {
				if tx.Nonce() < nonce {
					delete(pool.all, tx.Hash())
					dropped++
					continue
				}
				kept = append(kept, tx)
			}
			list.items = kept
			if len(kept) == 0 {
				delete(lists, addr)
			}
		}
	}
	// A pending list no longer starting at the state nonce is stale.
	for addr, list := range pool.pending {
		if list.items[0].Nonce() != state.GetNonce(addr) {
			for _, tx := range list.items {
				pool.list(pool.queue, addr).add(tx)
			}
			delete(pool.pending, addr)
		}
	}
	for addr := range pool.queue {
		pool.promote(addr)
	}
	if dropped > 0 {
		pool.log.Debug("Dropped included transactions", "count", dropped)
	}
}
