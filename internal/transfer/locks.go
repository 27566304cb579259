package transfer

import (
	"sync"
	"time"
)

// LockTable maps entity ids to the instant their gate lock expires. Entries
// are never swept; an expired entry is dropped by the lookup that notices it.
type LockTable struct {
	mu     sync.Mutex
	clock  Clock
	ttl    time.Duration
	expiry map[int]time.Time
}

func NewLockTable(clock Clock, ttl time.Duration) *LockTable {
	if clock == nil {
		clock = SystemClock
	}
	return &LockTable{clock: clock, ttl: ttl, expiry: map[int]time.Time{}}
}

// Lock marks id as busy until now+ttl, extending any existing lock.
func (t *LockTable) Lock(id int) time.Time {
	until := t.clock.Now().Add(t.ttl)
	t.mu.Lock()
	t.expiry[id] = until
	t.mu.Unlock()
	return until
}

// Locked reports whether id holds an unexpired lock.
func (t *LockTable) Locked(id int) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.expiry[id]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(t.expiry, id)
		return false
	}
	return true
}

// Expiry returns the stored expiry for id without clearing it.
func (t *LockTable) Expiry(id int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.expiry[id]
	return until, ok
}

func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.expiry)
}
