package core

import (
	"errors"
	"time"
)

// Defaults for Options.
const (
	DefaultPort        = 8808
	DefaultThreads     = 8
	DefaultMaxRequests = 10000
	DefaultMaxConns    = 65536
	DefaultMaxEvents   = 10000
	DefaultTimeSlot    = 5 * time.Second

	// Idle connections expire after this many time slots.
	expirySlots = 3
)

// Error definitions
var (
	ErrInvalidOptions = errors.New("core: invalid options")
	ErrNotListening   = errors.New("core: engine is not listening")
	ErrAlreadyServing = errors.New("core: engine already serving")
	ErrEngineStopped  = errors.New("core: engine stopped")
)
