// Package poller wraps the kernel readiness API used by the reactor.
package poller

import "errors"

// Interest is the readiness a descriptor is armed for.
type Interest uint8

const (
	// InterestRead arms for input. Hang-ups and errors are always reported.
	InterestRead Interest = 1 << iota
	// InterestWrite arms for output.
	InterestWrite
)

// Flags describe what happened on a descriptor.
type Flags uint8

const (
	Readable Flags = 1 << iota
	Writable
	Hangup // peer closed or half-closed
	Error
)

// Event is one readiness notification.
type Event struct {
	Fd    int
	Flags Flags
}

// Has reports whether all of f are set.
func (e Event) Has(f Flags) bool {
	return e.Flags&f == f
}

var (
	ErrPollerClosed    = errors.New("poller: closed")
	ErrFDNotRegistered = errors.New("poller: fd not registered")
)

// Poller is the I/O multiplexing interface.
//
// A descriptor added with oneShot is disarmed after it reports one event and
// stays registered until Modify re-arms it.
type Poller interface {
	Add(fd int, interest Interest, oneShot bool) error
	Modify(fd int, interest Interest) error
	Remove(fd int) error
	// Wait fills events and returns how many were filled. A negative
	// timeout blocks indefinitely. Interrupted waits return 0, nil.
	Wait(events []Event, timeoutMs int) (int, error)
	Close() error
}
