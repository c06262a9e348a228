package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry is a revertible state change.
type journalEntry interface {
	revert(s *WorldState)
}

// journal records state modifications in order so that any suffix can be
// reverted.
type journal struct {
	entries []journalEntry
}

func newJournal() *journal {
	return &journal{}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

// revertTo undoes every entry at or after idx, newest first.
func (j *journal) revertTo(idx int, s *WorldState) {
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(s)
	}
	j.entries = j.entries[:idx]
}

func (j *journal) reset() {
	j.entries = nil
}

type (
	// loadChange records an account entering the pending set.
	loadChange struct {
		addr common.Address
	}
	// objectChange records a wholesale replacement (delete, recreate).
	objectChange struct {
		addr common.Address
		prev stateObject
	}
	balanceChange struct {
		addr common.Address
		prev uint256.Int
	}
	nonceChange struct {
		addr common.Address
		prev uint64
	}
	codeChange struct {
		addr     common.Address
		prevCode []byte
		prevHash common.Hash
	}
	storageChange struct {
		addr     common.Address
		key      common.Hash
		prev     common.Hash
		hadDirty bool
	}
	touchChange struct {
		addr common.Address
		prev bool
	}
)

func (ch loadChange) revert(s *WorldState) {
	delete(s.objects, ch.addr)
}

func (ch objectChange) revert(s *WorldState) {
	if obj := s.objects[ch.addr]; obj != nil {
		*obj = ch.prev
	}
}

func (ch balanceChange) revert(s *WorldState) {
	s.objects[ch.addr].balance = ch.prev
}

func (ch nonceChange) revert(s *WorldState) {
	s.objects[ch.addr].nonce = ch.prev
}

func (ch codeChange) revert(s *WorldState) {
	obj := s.objects[ch.addr]
	obj.code = ch.prevCode
	obj.codeHash = ch.prevHash
}

func (ch storageChange) revert(s *WorldState) {
	obj := s.objects[ch.addr]
	if ch.hadDirty {
		obj.dirtyStorage[ch.key] = ch.prev
	} else {
		delete(obj.dirtyStorage, ch.key)
	}
}

func (ch touchChange) revert(s *WorldState) {
	s.objects[ch.addr].touched = ch.prev
}
