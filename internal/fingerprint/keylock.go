package fingerprint

import (
	"sort"
	"sync"
)

// keyedLocks serializes check-then-write sequences per logical key (username,
// digest, source IP) so two concurrent registrations with the same bundle can
// never both pass the duplicate checks. Entries are reference counted and
// removed once the last holder releases them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// acquire locks every key and returns the matching release function. Keys are
// deduplicated and taken in sorted order so overlapping key sets cannot
// deadlock against each other.
func (k *keyedLocks) acquire(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	entries := make([]*lockEntry, 0, len(uniq))
	k.mu.Lock()
	for _, key := range uniq {
		e, ok := k.locks[key]
		if !ok {
			e = &lockEntry{}
			k.locks[key] = e
		}
		e.refs++
		entries = append(entries, e)
	}
	k.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, key := range uniq {
			e := entries[i]
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}
