package groups

import (
	"encoding/hex"
	"sync"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// CommitLock serializes every mutation of one group's cryptographic state. Locks for different
// groups are independent; entries are dropped when nobody holds or waits on them.
type CommitLock struct {
	lock  sync.Mutex
	locks map[string]*lockEntry
}

func NewCommitLock() *CommitLock {
	return &CommitLock{locks: make(map[string]*lockEntry)}
}

// Lock blocks until groupID is free and returns the function releasing it.
func (c *CommitLock) Lock(groupID []byte) func() {
	key := hex.EncodeToString(groupID)
	c.lock.Lock()
	e, ok := c.locks[key]
	if !ok {
		e = &lockEntry{}
		c.locks[key] = e
	}
	e.refs++
	c.lock.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.lock.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.locks, key)
		}
		c.lock.Unlock()
	}
}

func (c *CommitLock) held() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.locks)
}
