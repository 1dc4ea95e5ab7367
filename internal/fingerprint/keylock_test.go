package fingerprint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocksSerializeOverlappingKeySets(t *testing.T) {
	locks := newKeyedLocks()

	// Every goroutine shares the "ip" key, so the unguarded counter below
	// is only safe if acquisition actually serializes them. Key order is
	// deliberately varied to exercise the sorted-acquisition deadlock
	// avoidance.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var release func()
			if i%2 == 0 {
				release = locks.acquire("user:a", "ip:shared")
			} else {
				release = locks.acquire("ip:shared", "user:b", "digest:x")
			}
			counter++
			release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64, counter)
}

func TestKeyedLocksReleaseAllowsReacquire(t *testing.T) {
	locks := newKeyedLocks()

	release := locks.acquire("user:a", "user:a", "digest:x")
	release()

	// Duplicate keys are deduplicated; a second acquisition must not
	// deadlock after release.
	release = locks.acquire("user:a")
	release()
}
