package pools

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestWorkerPool_InvalidSize(t *testing.T) {
	_, err := NewWorkerPool(0, 10)
	assert.ErrorIs(t, err, ErrInvalidPoolSize)

	_, err = NewWorkerPool(4, 0)
	assert.ErrorIs(t, err, ErrInvalidPoolSize)

	_, err = NewWorkerPool(-1, -1)
	assert.ErrorIs(t, err, ErrInvalidPoolSize)
}

func TestWorkerPool_Basic(t *testing.T) {
	pool, err := NewWorkerPool(4, 128)
	require.NoError(t, err)
	defer pool.Close()

	var counter atomic.Int64
	for i := 0; i < 100; i++ {
		require.True(t, pool.Submit(ProcessorFunc(func() {
			counter.Add(1)
		})))
	}

	waitFor(t, func() bool { return pool.Stats().TasksCompleted >= 100 })
	assert.EqualValues(t, 100, counter.Load())
	assert.EqualValues(t, 100, pool.Stats().TasksSubmitted)
}

func TestWorkerPool_FIFO(t *testing.T) {
	pool, err := NewWorkerPool(1, 64)
	require.NoError(t, err)
	defer pool.Close()

	gate := make(chan struct{})
	require.True(t, pool.Submit(ProcessorFunc(func() { <-gate })))

	var mu sync.Mutex
	var got []int
	for i := 0; i < 32; i++ {
		i := i
		require.True(t, pool.Submit(ProcessorFunc(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})))
	}
	close(gate)

	waitFor(t, func() bool { return pool.Stats().TasksCompleted == 33 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Len(t, got, 32)
}

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	pool, err := NewWorkerPool(1, 2)
	require.NoError(t, err)
	defer pool.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.Submit(ProcessorFunc(func() {
		close(started)
		<-gate
	})))
	<-started

	assert.True(t, pool.Submit(ProcessorFunc(func() {})))
	assert.True(t, pool.Submit(ProcessorFunc(func() {})))
	assert.Equal(t, 2, pool.Len())
	assert.False(t, pool.Submit(ProcessorFunc(func() {})), "queue at capacity")
	assert.EqualValues(t, 1, pool.Stats().TasksRejected)

	close(gate)
	waitFor(t, func() bool { return pool.Stats().TasksCompleted == 3 })
	assert.True(t, pool.Submit(ProcessorFunc(func() {})))
}

func TestWorkerPool_NilItemRejected(t *testing.T) {
	pool, err := NewWorkerPool(1, 1)
	require.NoError(t, err)
	defer pool.Close()

	assert.False(t, pool.Submit(nil))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool, err := NewWorkerPool(1, 4)
	require.NoError(t, err)
	defer pool.Close()

	require.True(t, pool.Submit(ProcessorFunc(func() { panic("boom") })))

	var ran atomic.Bool
	require.True(t, pool.Submit(ProcessorFunc(func() { ran.Store(true) })))

	waitFor(t, ran.Load)
	assert.EqualValues(t, 1, pool.Stats().Panics)
}

func TestWorkerPool_CloseWakesIdleWorkers(t *testing.T) {
	pool, err := NewWorkerPool(8, 16)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		dropped, err := pool.Close()
		assert.NoError(t, err)
		assert.Zero(t, dropped)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.False(t, pool.Submit(ProcessorFunc(func() {})))
	_, err = pool.Close()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_CloseDropsQueued(t *testing.T) {
	pool, err := NewWorkerPool(1, 8)
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.Submit(ProcessorFunc(func() {
		close(started)
		<-gate
	})))
	<-started

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(ProcessorFunc(func() { ran.Add(1) })))
	}

	result := make(chan int, 1)
	go func() {
		dropped, _ := pool.Close()
		result <- dropped
	}()

	// Close waits for the in-flight item.
	waitFor(t, pool.Closed)
	close(gate)

	assert.Equal(t, 5, <-result)
	assert.Zero(t, ran.Load())
}

func TestWorkerPool_NoConcurrentProcessingOfOneItem(t *testing.T) {
	pool, err := NewWorkerPool(4, 256)
	require.NoError(t, err)
	defer pool.Close()

	var inFlight atomic.Int32
	var overlap atomic.Bool
	var done atomic.Int64
	var item Processor
	item = ProcessorFunc(func() {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
		if done.Add(1) < 50 {
			pool.Submit(item)
		}
	})
	require.True(t, pool.Submit(item))

	waitFor(t, func() bool { return done.Load() >= 50 })
	assert.False(t, overlap.Load())
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool, err := NewWorkerPool(8, 1<<16)
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Close()

	var completed atomic.Int64
	work := ProcessorFunc(func() {
		completed.Add(1)
	})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for !pool.Submit(work) {
				time.Sleep(time.Microsecond)
			}
		}
	})

	for completed.Load() < int64(b.N) {
		time.Sleep(time.Millisecond)
	}
}
