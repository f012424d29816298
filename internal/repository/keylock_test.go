package repository

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()
	var km keyedMutex
	counter := 0

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("alice")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
	if len(km.m) != 0 {
		t.Fatalf("lock table not drained: %d entries", len(km.m))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	t.Parallel()
	var km keyedMutex

	unlockA := km.lock("alice")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		unlockB := km.lock("bob")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()

	if len(km.m) != 0 {
		t.Fatalf("lock table not drained: %d entries", len(km.m))
	}
}
