package state

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/types"
)

// Manager hands out world states over one Database: the global state owned
// by the processing loop, and resettable scopes for speculative work.
type Manager struct {
	db     *Database
	global *WorldState
}

// NewManager opens the global world state at root.
func NewManager(db *Database, root common.Hash) (*Manager, error) {
	global, err := New(root, db)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, global: global}, nil
}

// GlobalWorldState is the state mutated by the canonical processing loop.
func (m *Manager) GlobalWorldState() *WorldState { return m.global }

// CreateResettableWorldState returns an independent world state sharing
// committed states with the global one. Changes made through it never
// reach the global state unless committed with CommitTree.
func (m *Manager) CreateResettableWorldState() *WorldState {
	ws, err := New(types.EmptyRootHash, m.db)
	if err != nil {
		// The empty state is always registered.
		panic(err)
	}
	return ws
}

// Database returns the shared state database.
func (m *Manager) Database() *Database { return m.db }

func (m *Manager) HasStateForRoot(root common.Hash) bool { return m.db.HasState(root) }

func (m *Manager) HasStateForBlock(header *types.Header) bool {
	return header != nil && m.db.HasState(header.Root)
}
