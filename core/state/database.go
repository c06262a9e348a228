package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
)

// committedState is an immutable account set with its root.
type committedState struct {
	root     common.Hash
	accounts map[common.Address]*stateAccount
}

func emptyState() *committedState {
	return &committedState{root: types.EmptyRootHash, accounts: map[common.Address]*stateAccount{}}
}

// computeRoot derives the state root over all accounts.
func (cs *committedState) computeRoot() common.Hash {
	keys := make([][]byte, 0, len(cs.accounts))
	values := make([][]byte, 0, len(cs.accounts))
	for addr, acc := range cs.accounts {
		keys = append(keys, crypto.Keccak256(addr[:]))
		values = append(values, acc.encode())
	}
	return types.SortedTrieRoot(keys, values)
}

// DatabaseConfig tunes the committed state store.
type DatabaseConfig struct {
	// Persist writes every committed state to the key-value store so it
	// survives restarts.
	Persist bool
	// CacheSize bounds the number of states decoded from disk kept in memory.
	CacheSize int
	// Pruning decides which committed roots are evicted.
	Pruning PruningStrategy
}

// Database stores committed states keyed by root. It is safe for
// concurrent use; committed states are never modified.
type Database struct {
	mu       sync.RWMutex
	disk     rawdb.Database
	config   DatabaseConfig
	live     map[common.Hash]*committedState
	refs     map[common.Hash]int
	byNumber map[uint64][]common.Hash
	loaded   *lru.Cache[common.Hash, *committedState]
	codes    map[common.Hash][]byte

	metrics *metrics.Metrics
	log     *log.Logger
}

// NewDatabase creates a state database over disk.
func NewDatabase(disk rawdb.Database, config DatabaseConfig, m *metrics.Metrics, logger *log.Logger) *Database {
	if config.CacheSize <= 0 {
		config.CacheSize = 32
	}
	if config.Pruning == nil {
		config.Pruning = NoPruning{}
	}
	cache, err := lru.New[common.Hash, *committedState](config.CacheSize)
	if err != nil {
		panic(err)
	}
	empty := emptyState()
	return &Database{
		disk:     disk,
		config:   config,
		live:     map[common.Hash]*committedState{empty.root: empty},
		refs:     map[common.Hash]int{},
		byNumber: map[uint64][]common.Hash{},
		loaded:   cache,
		codes:    map[common.Hash][]byte{types.EmptyCodeHash: nil},
		metrics:  m,
		log:      logger.Module("statedb"),
	}
}

// HasState reports whether the state with root can be opened.
func (db *Database) HasState(root common.Hash) bool {
	db.mu.RLock()
	_, live := db.live[root]
	db.mu.RUnlock()
	if live || db.loaded.Contains(root) {
		return true
	}
	return db.config.Persist && rawdb.HasStateDump(db.disk, root)
}

func (db *Database) state(root common.Hash) (*committedState, error) {
	db.mu.RLock()
	st, ok := db.live[root]
	db.mu.RUnlock()
	if ok {
		return st, nil
	}
	if st, ok := db.loaded.Get(root); ok {
		return st, nil
	}
	if !db.config.Persist {
		return nil, fmt.Errorf("%w: %x", ErrMissingState, root)
	}
	dump, err := rawdb.ReadStateDump(db.disk, root)
	if errors.Is(err, rawdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %x", ErrMissingState, root)
	}
	if err != nil {
		return nil, err
	}
	st, err = decodeDump(dump)
	if err != nil {
		return nil, err
	}
	st.root = root
	db.loaded.Add(root, st)
	return st, nil
}

func (db *Database) code(hash common.Hash) []byte {
	db.mu.RLock()
	code, ok := db.codes[hash]
	db.mu.RUnlock()
	if ok {
		return code
	}
	code, err := rawdb.ReadCode(db.disk, hash)
	if err != nil {
		return nil
	}
	db.mu.Lock()
	db.codes[hash] = code
	db.mu.Unlock()
	return code
}

// commit registers st as the state of block number and applies pruning.
func (db *Database) commit(number uint64, st *committedState, codes map[common.Hash][]byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for hash, code := range codes {
		if _, ok := db.codes[hash]; ok {
			continue
		}
		db.codes[hash] = code
		if db.config.Persist {
			if err := rawdb.WriteCode(db.disk, hash, code); err != nil {
				return err
			}
		}
	}
	if _, ok := db.live[st.root]; !ok {
		db.live[st.root] = st
		if db.config.Persist {
			if err := rawdb.WriteStateDump(db.disk, st.root, encodeDump(st)); err != nil {
				return err
			}
		}
	}
	if err := rawdb.WriteStateRoot(db.disk, number, st.root); err != nil {
		return err
	}
	db.refs[st.root]++
	db.byNumber[number] = append(db.byNumber[number], st.root)

	for _, old := range db.config.Pruning.Evict(number, db.byNumber) {
		db.release(old)
	}
	return nil
}

// release drops one reference held by block number n.
func (db *Database) release(n uint64) {
	for _, root := range db.byNumber[n] {
		db.refs[root]--
		if db.refs[root] > 0 {
			continue
		}
		delete(db.refs, root)
		if root == types.EmptyRootHash {
			continue
		}
		delete(db.live, root)
		db.loaded.Remove(root)
		if db.config.Persist {
			if err := rawdb.DeleteStateDump(db.disk, root); err != nil {
				db.log.Warn("failed to delete pruned state", "root", root, "err", err)
			}
		}
		db.metrics.PrunedStateRoots.Add(1)
	}
	delete(db.byNumber, n)
}

// Prefetch loads the state at root and precomputes the storage roots of
// addrs. It only fills caches.
func (db *Database) Prefetch(root common.Hash, addrs []common.Address) error {
	st, err := db.state(root)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if acc := st.accounts[addr]; acc != nil {
			acc.storageRoot()
			db.code(acc.codeHash)
		}
	}
	return nil
}

type dumpSlot struct {
	Key   common.Hash
	Value common.Hash
}

type dumpAccount struct {
	Address  common.Address
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
	Storage  []dumpSlot
}

func encodeDump(st *committedState) []byte {
	out := make([]dumpAccount, 0, len(st.accounts))
	for addr, acc := range st.accounts {
		da := dumpAccount{Address: addr, Nonce: acc.nonce, Balance: new(uint256.Int).Set(&acc.balance), CodeHash: acc.codeHash}
		for k, v := range acc.storage {
			da.Storage = append(da.Storage, dumpSlot{k, v})
		}
		sort.Slice(da.Storage, func(i, j int) bool { return bytes.Compare(da.Storage[i].Key[:], da.Storage[j].Key[:]) < 0 })
		out = append(out, da)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	enc, err := rlp.EncodeToBytes(out)
	if err != nil {
		panic("state: encode dump: " + err.Error())
	}
	return enc
}

func decodeDump(data []byte) (*committedState, error) {
	var accounts []dumpAccount
	if err := rlp.DecodeBytes(data, &accounts); err != nil {
		return nil, fmt.Errorf("decode state dump: %w", err)
	}
	st := &committedState{accounts: make(map[common.Address]*stateAccount, len(accounts))}
	for _, da := range accounts {
		acc := &stateAccount{nonce: da.Nonce, codeHash: da.CodeHash, storage: make(map[common.Hash]common.Hash, len(da.Storage))}
		if da.Balance != nil {
			acc.balance = *da.Balance
		}
		for _, slot := range da.Storage {
			acc.storage[slot.Key] = slot.Value
		}
		st.accounts[da.Address] = acc
	}
	return st, nil
}
