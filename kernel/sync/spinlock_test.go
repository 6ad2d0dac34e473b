package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpinlock(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()
	assert.False(t, sl.TryToAcquire(), "expected TryToAcquire to fail while lock is held")

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}()
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestSpinlockReleaseWhenFree(t *testing.T) {
	var sl Spinlock
	sl.Release()
	assert.True(t, sl.TryToAcquire())
	sl.Release()
}
