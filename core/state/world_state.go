package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/params"
)

// WorldState is a mutable view over a committed state. Changes are kept in
// a journal until CommitTree folds them into a new committed state.
// A WorldState must only be used from one goroutine.
type WorldState struct {
	db      *Database
	base    *committedState
	objects map[common.Address]*stateObject
	journal *journal

	// generation is bumped whenever the journal is discarded, which
	// invalidates snapshots over pending changes.
	generation uint64
	root       common.Hash
}

var _ WorldStateAccessor = (*WorldState)(nil)

// New opens a world state positioned at root.
func New(root common.Hash, db *Database) (*WorldState, error) {
	base, err := db.state(root)
	if err != nil {
		return nil, err
	}
	return &WorldState{
		db:      db,
		base:    base,
		objects: make(map[common.Address]*stateObject),
		journal: newJournal(),
		root:    base.root,
	}, nil
}

// Database returns the backing state database.
func (s *WorldState) Database() *Database { return s.db }

// StateRoot is the root of the last committed or recalculated state.
func (s *WorldState) StateRoot() common.Hash { return s.root }

// HasStateForRoot reports whether root can be opened.
func (s *WorldState) HasStateForRoot(root common.Hash) bool { return s.db.HasState(root) }

func (s *WorldState) getStateObject(addr common.Address) *stateObject {
	if obj, ok := s.objects[addr]; ok {
		if obj.deleted {
			return nil
		}
		return obj
	}
	acc := s.base.accounts[addr]
	if acc == nil {
		return nil
	}
	obj := newObject(addr, acc)
	s.objects[addr] = obj
	s.journal.append(loadChange{addr: addr})
	return obj
}

func (s *WorldState) getOrNewStateObject(addr common.Address) *stateObject {
	if obj := s.getStateObject(addr); obj != nil {
		return obj
	}
	return s.createObject(addr)
}

// createObject replaces any existing account at addr with a fresh one.
func (s *WorldState) createObject(addr common.Address) *stateObject {
	fresh := newObject(addr, nil)
	if prev, ok := s.objects[addr]; ok {
		s.journal.append(objectChange{addr: addr, prev: *prev})
		fresh.origin = prev.origin
		fresh.created = true
		*prev = *fresh
		return prev
	}
	fresh.origin = s.base.accounts[addr]
	s.objects[addr] = fresh
	s.journal.append(loadChange{addr: addr})
	return fresh
}

func (s *WorldState) touch(obj *stateObject) {
	if !obj.touched {
		s.journal.append(touchChange{addr: obj.address, prev: false})
		obj.touched = true
	}
}

// Exist reports whether the account exists, including empty accounts.
func (s *WorldState) Exist(addr common.Address) bool {
	return s.getStateObject(addr) != nil
}

// Empty reports whether the account is missing or has zero nonce, zero
// balance and no code.
func (s *WorldState) Empty(addr common.Address) bool {
	obj := s.getStateObject(addr)
	return obj == nil || obj.empty()
}

func (s *WorldState) GetBalance(addr common.Address) *uint256.Int {
	if obj := s.getStateObject(addr); obj != nil {
		return new(uint256.Int).Set(&obj.balance)
	}
	return new(uint256.Int)
}

func (s *WorldState) GetNonce(addr common.Address) uint64 {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.nonce
	}
	return 0
}

func (s *WorldState) GetCodeHash(addr common.Address) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.codeHash
	}
	return common.Hash{}
}

func (s *WorldState) GetCode(addr common.Address) []byte {
	obj := s.getStateObject(addr)
	if obj == nil {
		return nil
	}
	if obj.code != nil {
		return obj.code
	}
	return s.db.code(obj.codeHash)
}

func (s *WorldState) GetState(addr common.Address, key common.Hash) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.getState(key)
	}
	return common.Hash{}
}

// CreateAccount resets the account at addr, keeping its balance.
func (s *WorldState) CreateAccount(addr common.Address) {
	var balance uint256.Int
	if prev := s.getStateObject(addr); prev != nil {
		balance = prev.balance
	}
	obj := s.createObject(addr)
	obj.balance = balance
	s.touch(obj)
}

// DeleteAccount removes the account and its storage.
func (s *WorldState) DeleteAccount(addr common.Address) {
	obj := s.getStateObject(addr)
	if obj == nil {
		return
	}
	s.journal.append(objectChange{addr: addr, prev: *obj})
	obj.deleted = true
	obj.created = true
	obj.balance.Clear()
	obj.nonce = 0
	obj.dirtyStorage = make(map[common.Hash]common.Hash)
}

func (s *WorldState) AddBalance(addr common.Address, amount *uint256.Int) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	if amount.IsZero() {
		return
	}
	s.journal.append(balanceChange{addr: addr, prev: obj.balance})
	obj.balance.Add(&obj.balance, amount)
}

func (s *WorldState) SubBalance(addr common.Address, amount *uint256.Int) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	if amount.IsZero() {
		return
	}
	s.journal.append(balanceChange{addr: addr, prev: obj.balance})
	obj.balance.Sub(&obj.balance, amount)
}

func (s *WorldState) SetBalance(addr common.Address, amount *uint256.Int) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	s.journal.append(balanceChange{addr: addr, prev: obj.balance})
	obj.balance.Set(amount)
}

func (s *WorldState) SetNonce(addr common.Address, nonce uint64) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	s.journal.append(nonceChange{addr: addr, prev: obj.nonce})
	obj.nonce = nonce
}

func (s *WorldState) SetCode(addr common.Address, code []byte) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	s.journal.append(codeChange{addr: addr, prevCode: obj.code, prevHash: obj.codeHash})
	obj.code = common.CopyBytes(code)
	if obj.code == nil {
		obj.code = []byte{}
	}
	obj.codeHash = crypto.Keccak256Hash(code)
}

func (s *WorldState) SetState(addr common.Address, key, value common.Hash) {
	obj := s.getOrNewStateObject(addr)
	s.touch(obj)
	prev, had := obj.dirtyStorage[key]
	if !had {
		prev = obj.getState(key)
	}
	s.journal.append(storageChange{addr: addr, key: key, prev: prev, hadDirty: had})
	obj.dirtyStorage[key] = value
}

// TakeSnapshot marks the current point of the journal.
func (s *WorldState) TakeSnapshot() Snapshot {
	return Snapshot{journalIndex: s.journal.length(), generation: s.generation, root: s.base.root, stateRoot: s.root}
}

// Restore discards every change made after snap was taken. A snapshot taken
// with no pending changes can be restored after later commits by reopening
// its committed root.
func (s *WorldState) Restore(snap Snapshot) error {
	if snap.generation == s.generation {
		if snap.journalIndex > s.journal.length() {
			return fmt.Errorf("%w: index %d beyond journal length %d", ErrSnapshotInvalidated, snap.journalIndex, s.journal.length())
		}
		s.journal.revertTo(snap.journalIndex, s)
		s.root = snap.stateRoot
		return nil
	}
	if snap.journalIndex != 0 {
		return ErrSnapshotInvalidated
	}
	return s.ResetTo(snap.root)
}

// Commit finalizes a transaction: touched empty accounts are removed once
// EIP-158 is active. The removal is journaled.
func (s *WorldState) Commit(spec *params.Spec) {
	if !spec.IsEIP158 {
		return
	}
	for addr, obj := range s.objects {
		if obj.touched && !obj.deleted && obj.empty() {
			s.DeleteAccount(addr)
		}
	}
}

func (s *WorldState) build() *committedState {
	accounts := make(map[common.Address]*stateAccount, len(s.base.accounts)+len(s.objects))
	for addr, acc := range s.base.accounts {
		accounts[addr] = acc
	}
	for addr, obj := range s.objects {
		if obj.deleted {
			delete(accounts, addr)
			continue
		}
		accounts[addr] = obj.finalize()
	}
	st := &committedState{accounts: accounts}
	st.root = st.computeRoot()
	return st
}

// RecalculateStateRoot computes the root over pending changes without
// committing them.
func (s *WorldState) RecalculateStateRoot() common.Hash {
	s.root = s.build().root
	return s.root
}

// CommitTree folds pending changes into a committed state registered for
// blockNumber. Snapshots over pending changes become invalid.
func (s *WorldState) CommitTree(blockNumber uint64) error {
	st := s.build()
	codes := make(map[common.Hash][]byte)
	for _, obj := range s.objects {
		if obj.code != nil && !obj.deleted {
			codes[obj.codeHash] = obj.code
		}
	}
	if err := s.db.commit(blockNumber, st, codes); err != nil {
		return fmt.Errorf("commit state for block %d: %w", blockNumber, err)
	}
	s.base = st
	s.root = st.root
	s.discard()
	return nil
}

// ResetTo drops pending changes and repositions on the committed state root.
func (s *WorldState) ResetTo(root common.Hash) error {
	base, err := s.db.state(root)
	if err != nil {
		return err
	}
	s.base = base
	s.root = base.root
	s.discard()
	return nil
}

func (s *WorldState) discard() {
	s.objects = make(map[common.Address]*stateObject)
	s.journal.reset()
	s.generation++
}
