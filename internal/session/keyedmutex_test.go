package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers, iterations = 8, 100
	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				unlock := km.Lock("session-1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	defer unlockA()

	// A different key must not block behind "a".
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on independent key blocked")
	}
}

func TestKeyedMutexQueuesSecondHolder(t *testing.T) {
	km := NewKeyedMutex()

	unlock := km.Lock("s")
	acquired := make(chan struct{})
	go func() {
		second := km.Lock("s")
		second()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestKeyedMutexCleansUpEntries(t *testing.T) {
	km := NewKeyedMutex()

	for i := 0; i < 100; i++ {
		unlock := km.Lock("ephemeral")
		unlock()
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released locks must not linger in the map")
}

func TestKeyedMutexUnlockIdempotent(t *testing.T) {
	km := NewKeyedMutex()

	unlock := km.Lock("s")
	unlock()
	require.NotPanics(t, func() { unlock() })

	// The key must still be lockable afterwards.
	again := km.Lock("s")
	again()
}
