package hydration

import (
	"strings"
	"sync"
)

// Locks is the set of scope keys with a replay in flight.
// One set is owned by a session and shared by everything that replays into its store.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire takes key and reports whether it was free.
func (l *Locks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// TryAcquireScope takes the key of scopeID, or of one partition of it, and returns the key.
// The whole-scope key is refused while any partition of the scope is held, and a partition
// key while the whole scope is held.
func (l *Locks) TryAcquireScope(scopeID, partitionID string) (string, bool) {
	key := ScopeKey(scopeID, partitionID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return key, false
	}
	if partitionID == "" {
		if l.heldPrefixLocked(scopeID + ":") {
			return key, false
		}
	} else if _, ok := l.held[scopeID]; ok {
		return key, false
	}
	l.held[key] = struct{}{}
	return key, true
}

// Release frees key.
func (l *Locks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether key is taken.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// HeldPrefix reports whether any taken key starts with prefix.
func (l *Locks) HeldPrefix(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldPrefixLocked(prefix)
}

// ScopeBusy reports whether scopeID or any of its partitions is taken.
func (l *Locks) ScopeBusy(scopeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[scopeID]
	return ok || l.heldPrefixLocked(scopeID+":")
}

func (l *Locks) heldPrefixLocked(prefix string) bool {
	for k := range l.held {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of held keys.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
