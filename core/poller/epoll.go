//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer. Wait must be called from a
// single goroutine. Add, Modify and Remove may be called from any goroutine.
type EpollPoller struct {
	epfd   int
	closed atomic.Bool

	mu      sync.RWMutex
	oneShot map[int]bool

	raw []unix.EpollEvent
}

// NewPoller creates a new Poller.
func NewPoller() (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &EpollPoller{
		epfd:    epfd,
		oneShot: make(map[int]bool),
	}, nil
}

// Level-triggered; RDHUP detects peer shutdown.
func epollMask(interest Interest, oneShot bool) uint32 {
	var m uint32 = unix.EPOLLRDHUP
	if interest&InterestRead != 0 {
		m |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		m |= unix.EPOLLOUT
	}
	if oneShot {
		m |= unix.EPOLLONESHOT
	}
	return m
}

// Add registers fd.
func (p *EpollPoller) Add(fd int, interest Interest, oneShot bool) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: epollMask(interest, oneShot), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poller: add fd %d: %w", fd, err)
	}
	p.mu.Lock()
	p.oneShot[fd] = oneShot
	p.mu.Unlock()
	return nil
}

// Modify replaces the interest of a registered fd and re-arms it.
func (p *EpollPoller) Modify(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	p.mu.RLock()
	oneShot, ok := p.oneShot[fd]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrFDNotRegistered, fd)
	}
	ev := unix.EpollEvent{Events: epollMask(interest, oneShot), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return fmt.Errorf("%w: %d: %w", ErrFDNotRegistered, fd, err)
		}
		return fmt.Errorf("poller: modify fd %d: %w", fd, err)
	}
	return nil
}

// Remove removes fd from the watch list.
func (p *EpollPoller) Remove(fd int) error {
	p.mu.Lock()
	_, ok := p.oneShot[fd]
	delete(p.oneShot, fd)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrFDNotRegistered, fd)
	}
	if p.closed.Load() {
		return nil
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
		!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("poller: remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait waits for I/O events.
func (p *EpollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		events[i] = Event{Fd: int(raw[i].Fd), Flags: translate(raw[i].Events)}
	}
	return n, nil
}

func translate(m uint32) Flags {
	var f Flags
	if m&unix.EPOLLIN != 0 {
		f |= Readable
	}
	if m&unix.EPOLLOUT != 0 {
		f |= Writable
	}
	if m&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		f |= Hangup
	}
	if m&unix.EPOLLERR != 0 {
		f |= Error
	}
	return f
}

// Close closes the Poller. It is safe to call more than once.
func (p *EpollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}
