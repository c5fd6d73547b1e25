//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Notification is a flag posted through a Notifier.
type Notification uint32

const (
	NotifyTick Notification = 1 << iota
	NotifyStop
)

// Notifier wakes a poller from other goroutines. Posted flags accumulate
// until the reactor drains them, and one readable byte is written per post so
// the read end shows up as an ordinary readiness event.
type Notifier struct {
	rfd, wfd int
	pending  atomic.Uint32

	mu     sync.RWMutex
	closed bool
}

// NewNotifier creates a non-blocking socketpair-backed notifier.
func NewNotifier() (*Notifier, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("poller: socketpair: %w", err)
	}
	return &Notifier{rfd: fds[0], wfd: fds[1]}, nil
}

// Fd returns the descriptor to register for read readiness.
func (n *Notifier) Fd() int {
	return n.rfd
}

// Notify posts flags. It never blocks. A full socket buffer already
// guarantees a pending wake.
func (n *Notifier) Notify(flags Notification) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrPollerClosed
	}
	for {
		old := n.pending.Load()
		if n.pending.CompareAndSwap(old, old|uint32(flags)) {
			break
		}
	}
	_, err := unix.Write(n.wfd, []byte{byte(flags)})
	if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("poller: notify: %w", err)
	}
	return nil
}

// Drain consumes all pending wake bytes and returns the accumulated flags.
func (n *Notifier) Drain() Notification {
	var buf [64]byte
	for {
		k, err := unix.Read(n.rfd, buf[:])
		if k <= 0 || err != nil {
			break
		}
	}
	return Notification(n.pending.Swap(0))
}

// Close closes both ends.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return errors.Join(unix.Close(n.rfd), unix.Close(n.wfd))
}
