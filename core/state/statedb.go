// Package state implements the versioned world state: accounts and storage
// over immutable committed states, a journal of pending changes with
// snapshot/restore, and Merkle-Patricia state roots.
package state

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/params"
)

var (
	// ErrMissingState is returned when a state root is not available.
	ErrMissingState = errors.New("missing state")

	// ErrSnapshotInvalidated is returned when a snapshot taken over pending
	// changes is restored after those changes were committed or discarded.
	ErrSnapshotInvalidated = errors.New("snapshot invalidated")
)

// Snapshot is an opaque marker returned by TakeSnapshot.
type Snapshot struct {
	journalIndex int
	generation   uint64
	root         common.Hash
	// stateRoot is the root StateRoot reported when the snapshot was taken.
	stateRoot common.Hash
}

// Root is the committed root the snapshot was taken over.
func (s Snapshot) Root() common.Hash { return s.root }

// StateReader exposes read access to accounts and storage.
type StateReader interface {
	Exist(addr common.Address) bool
	Empty(addr common.Address) bool
	GetBalance(addr common.Address) *uint256.Int
	GetNonce(addr common.Address) uint64
	GetCode(addr common.Address) []byte
	GetCodeHash(addr common.Address) common.Hash
	GetState(addr common.Address, key common.Hash) common.Hash
}

// WorldStateAccessor is the mutable view used by transaction execution and
// system calls.
type WorldStateAccessor interface {
	StateReader

	CreateAccount(addr common.Address)
	DeleteAccount(addr common.Address)
	AddBalance(addr common.Address, amount *uint256.Int)
	SubBalance(addr common.Address, amount *uint256.Int)
	SetBalance(addr common.Address, amount *uint256.Int)
	SetNonce(addr common.Address, nonce uint64)
	SetCode(addr common.Address, code []byte)
	SetState(addr common.Address, key, value common.Hash)

	TakeSnapshot() Snapshot
	Restore(snap Snapshot) error
	Commit(spec *params.Spec)
}
