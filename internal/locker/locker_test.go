package locker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := New()
	var shared int
	var wg sync.WaitGroup
	const competitors = 20
	for i := 0; i < competitors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.With("task-1", func() {
				old := shared
				time.Sleep(time.Millisecond)
				shared = old + 1
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, competitors, shared)
	assert.Equal(t, 0, locks.Len(), "locks should be released once unused")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	locks := New()
	locks.Lock("a")
	done := make(chan struct{})
	go func() {
		locks.Lock("b")
		locks.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	locks.Unlock("a")
	assert.Equal(t, 0, locks.Len())
}
