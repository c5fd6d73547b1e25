package http

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-httpd/core/observability"
	"github.com/searchktools/reactor-httpd/core/poller"
	"github.com/searchktools/reactor-httpd/core/pools"
	"github.com/searchktools/reactor-httpd/core/static"
)

const (
	DefaultReadBufferSize  = 2048
	DefaultWriteBufferSize = 1024
)

// Shared is the state every connection of one server refers to. It is built
// once by the engine.
type Shared struct {
	Poller   poller.Poller
	Resolver *static.Resolver
	Buffers  *pools.BytePool
	Stats    *observability.Stats
	Log      zerolog.Logger

	ReadBufferSize  int
	WriteBufferSize int

	// Live counts open connections.
	Live atomic.Int64
}

func (s *Shared) alloc(n, def int) []byte {
	if n <= 0 {
		n = def
	}
	if s.Buffers == nil {
		return make([]byte, n)
	}
	return s.Buffers.Get(n)
}

func (s *Shared) release(b []byte) {
	if s.Buffers != nil {
		s.Buffers.Put(b)
	}
}
