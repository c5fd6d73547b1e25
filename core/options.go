package core

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-httpd/core/http"
	"github.com/searchktools/reactor-httpd/core/observability"
)

// Options configures an Engine.
type Options struct {
	Host string
	Port int

	// Threads is the number of workers, MaxRequests the queue capacity.
	Threads     int
	MaxRequests int

	TimeSlot  time.Duration
	MaxConns  int
	MaxEvents int
	DocRoot   string

	ReadBufferSize  int
	WriteBufferSize int

	// AcceptRate caps accepted connections per peer address per second.
	// Zero disables the limit.
	AcceptRate int

	Logger zerolog.Logger
	Stats  *observability.Stats
}

// DefaultOptions returns Options with every field at its default, serving
// root from the given directory.
func DefaultOptions(docRoot string) Options {
	return Options{
		Port:            DefaultPort,
		Threads:         DefaultThreads,
		MaxRequests:     DefaultMaxRequests,
		TimeSlot:        DefaultTimeSlot,
		MaxConns:        DefaultMaxConns,
		MaxEvents:       DefaultMaxEvents,
		DocRoot:         docRoot,
		ReadBufferSize:  http.DefaultReadBufferSize,
		WriteBufferSize: http.DefaultWriteBufferSize,
		Logger:          zerolog.Nop(),
	}
}

func (o *Options) validate() error {
	switch {
	case o.Port < 0 || o.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalidOptions, o.Port)
	case o.Threads <= 0:
		return fmt.Errorf("%w: threads must be positive", ErrInvalidOptions)
	case o.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests must be positive", ErrInvalidOptions)
	case o.TimeSlot <= 0:
		return fmt.Errorf("%w: time slot must be positive", ErrInvalidOptions)
	case o.MaxConns <= 0:
		return fmt.Errorf("%w: max conns must be positive", ErrInvalidOptions)
	case o.MaxEvents <= 0:
		return fmt.Errorf("%w: max events must be positive", ErrInvalidOptions)
	case o.ReadBufferSize <= 0 || o.WriteBufferSize <= 0:
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidOptions)
	case o.AcceptRate < 0:
		return fmt.Errorf("%w: accept rate must not be negative", ErrInvalidOptions)
	case o.DocRoot == "":
		return fmt.Errorf("%w: document root is required", ErrInvalidOptions)
	}
	return nil
}
