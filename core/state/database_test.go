package state

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/types"
)

func TestKeepLastNEvict(t *testing.T) {
	committed := map[uint64][]common.Hash{1: nil, 2: nil, 3: nil, 4: nil}
	assert.Empty(t, KeepLastN{Depth: 5}.Evict(4, committed))
	assert.ElementsMatch(t, []uint64{1}, KeepLastN{Depth: 2}.Evict(4, committed))
	assert.Empty(t, NoPruning{}.Evict(100, committed))
}

func TestDatabasePrunesOldRoots(t *testing.T) {
	db := newTestDatabase(t, DatabaseConfig{Pruning: KeepLastN{Depth: 2}})
	ws, err := New(types.EmptyRootHash, db)
	require.NoError(t, err)

	roots := make([]common.Hash, 0, 6)
	for n := uint64(1); n <= 6; n++ {
		ws.AddBalance(addrA, uint256.NewInt(1))
		require.NoError(t, ws.CommitTree(n))
		roots = append(roots, ws.StateRoot())
	}
	assert.False(t, db.HasState(roots[0]))
	assert.False(t, db.HasState(roots[2]))
	assert.True(t, db.HasState(roots[3]))
	assert.True(t, db.HasState(roots[5]))
	assert.True(t, db.HasState(types.EmptyRootHash))

	_, err = New(roots[0], db)
	assert.ErrorIs(t, err, ErrMissingState)
}

func TestDatabaseSharedRootSurvivesPruning(t *testing.T) {
	db := newTestDatabase(t, DatabaseConfig{Pruning: KeepLastN{Depth: 1}})
	ws, err := New(types.EmptyRootHash, db)
	require.NoError(t, err)
	ws.AddBalance(addrA, uint256.NewInt(1))
	require.NoError(t, ws.CommitTree(1))
	shared := ws.StateRoot()
	// Blocks without state changes commit the same root.
	for n := uint64(2); n <= 4; n++ {
		require.NoError(t, ws.CommitTree(n))
	}
	assert.True(t, db.HasState(shared))
}

func TestManagerResettableScopeIsolated(t *testing.T) {
	db := newTestDatabase(t, DatabaseConfig{})
	m, err := NewManager(db, types.EmptyRootHash)
	require.NoError(t, err)
	global := m.GlobalWorldState()
	global.AddBalance(addrA, uint256.NewInt(9))
	require.NoError(t, global.CommitTree(1))

	scope := m.CreateResettableWorldState()
	require.NoError(t, scope.ResetTo(global.StateRoot()))
	scope.AddBalance(addrA, uint256.NewInt(1))
	require.NoError(t, scope.CommitTree(2))

	assert.Equal(t, uint64(9), global.GetBalance(addrA).Uint64())
	assert.Equal(t, uint64(10), scope.GetBalance(addrA).Uint64())
	assert.True(t, m.HasStateForRoot(scope.StateRoot()))
	assert.True(t, m.HasStateForBlock(&types.Header{Root: global.StateRoot()}))
	assert.False(t, m.HasStateForBlock(&types.Header{Root: common.HexToHash("0x01")}))
}
