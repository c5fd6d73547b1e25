package pools

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Processor is a unit of work run by a worker.
type Processor interface {
	Process()
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func()

// Process calls f().
func (f ProcessorFunc) Process() {
	f()
}

var (
	ErrInvalidPoolSize = errors.New("pools: worker count and queue capacity must be positive")
	ErrPoolClosed      = errors.New("pools: worker pool closed")
)

// WorkerPool runs Processors on a fixed set of OS-thread-pinned workers,
// fed from a bounded FIFO queue.
type WorkerPool struct {
	mu       sync.Mutex
	ready    sync.Cond
	queue    []Processor // ring buffer, len == capacity
	head     int
	size     int
	closed   bool
	wg       sync.WaitGroup
	log      zerolog.Logger
	numWorks int

	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		rejected  atomic.Uint64
		panics    atomic.Uint64
	}
}

// WorkerPoolOption configures a WorkerPool.
type WorkerPoolOption func(*WorkerPool)

// WithLogger sets the logger used to report worker panics.
func WithLogger(log zerolog.Logger) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.log = log
	}
}

// NewWorkerPool starts numWorkers workers sharing a queue that holds at most
// capacity pending items.
func NewWorkerPool(numWorkers, capacity int, opts ...WorkerPoolOption) (*WorkerPool, error) {
	if numWorkers <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("%w: workers=%d capacity=%d", ErrInvalidPoolSize, numWorkers, capacity)
	}

	p := &WorkerPool{
		queue:    make([]Processor, capacity),
		log:      zerolog.Nop(),
		numWorks: numWorkers,
	}
	p.ready.L = &p.mu
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker(i)
	}

	return p, nil
}

// Submit enqueues item without blocking. It returns false if the pool is
// closed or the queue already holds capacity items.
func (p *WorkerPool) Submit(item Processor) bool {
	if item == nil {
		return false
	}

	p.mu.Lock()
	if p.closed || p.size >= len(p.queue) {
		p.mu.Unlock()
		p.stats.rejected.Add(1)
		return false
	}
	p.queue[(p.head+p.size)%len(p.queue)] = item
	p.size++
	p.mu.Unlock()

	p.stats.submitted.Add(1)
	p.ready.Signal()
	return true
}

// next blocks until an item is available or the pool closes.
func (p *WorkerPool) next() (Processor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.size == 0 && !p.closed {
		p.ready.Wait()
	}
	if p.closed {
		return nil, false
	}

	item := p.queue[p.head]
	p.queue[p.head] = nil
	p.head = (p.head + 1) % len(p.queue)
	p.size--
	return item, true
}

func (p *WorkerPool) worker(id int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.run(id, item)
	}
}

func (p *WorkerPool) run(id int, item Processor) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.log.Warn().
				Int("worker", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("processor panicked")
		}
		p.stats.completed.Add(1)
	}()
	item.Process()
}

// Close stops the pool, wakes every blocked worker and waits for in-flight
// items to finish. Items still queued are discarded and their count is
// returned. Calling Close more than once returns ErrPoolClosed.
func (p *WorkerPool) Close() (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	p.closed = true
	dropped := p.size
	for i := 0; i < p.size; i++ {
		p.queue[(p.head+i)%len(p.queue)] = nil
	}
	p.size = 0
	p.mu.Unlock()

	p.ready.Broadcast()
	p.wg.Wait()
	return dropped, nil
}

// Closed reports whether Close has been called.
func (p *WorkerPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Len returns the number of queued items.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Cap returns the queue capacity.
func (p *WorkerPool) Cap() int {
	return len(p.queue)
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorks,
		Capacity:       len(p.queue),
		Queued:         p.Len(),
		TasksSubmitted: p.stats.submitted.Load(),
		TasksCompleted: p.stats.completed.Load(),
		TasksRejected:  p.stats.rejected.Load(),
		Panics:         p.stats.panics.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	Capacity       int
	Queued         int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksRejected  uint64
	Panics         uint64
}
