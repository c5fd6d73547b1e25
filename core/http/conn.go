//go:build linux

package http

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor-httpd/core/poller"
	"github.com/searchktools/reactor-httpd/core/static"
	"github.com/searchktools/reactor-httpd/core/timer"
)

// State is the connection's position in the read, process, write cycle.
type State uint32

const (
	StateReading State = iota
	StateQueued
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateQueued:
		return "queued"
	case StateWriting:
		return "writing"
	default:
		return "closed"
	}
}

// WriteResult tells the reactor what to do after Write.
type WriteResult uint8

const (
	// WriteDone means the response was flushed and the connection stays open.
	WriteDone WriteResult = iota
	// WriteAgain means the socket would block; re-arm for write.
	WriteAgain
	// WriteClose means the connection must be closed.
	WriteClose
)

func (r WriteResult) String() string {
	switch r {
	case WriteDone:
		return "done"
	case WriteAgain:
		return "again"
	default:
		return "close"
	}
}

// Conn is one client connection. Read, Write and Close run on the reactor
// goroutine; Process runs on a worker. One-shot arming keeps them from
// overlapping, and the state word orders their memory effects.
type Conn struct {
	fd     int
	peer   string
	shared *Shared
	log    zerolog.Logger

	state atomic.Uint32
	// busy packs a generation above a busy bit. Init and MarkQueued both
	// bump the generation, so a worker that finishes late cannot clear the
	// flag of a later cycle or a reused slot.
	busy atomic.Uint64

	rbuf Buffer
	wbuf Buffer
	p    parser

	mapping   *static.Mapping
	body      []byte
	iov       [2][]byte
	keepAlive bool
	aborted   bool
	status    int
	sent      int
	toSend    int

	timer *timer.Record
}

// Init prepares c for a freshly accepted socket. Slots are reused, so every
// field is reset here.
func (c *Conn) Init(fd int, peer string, shared *Shared) {
	c.fd = fd
	c.peer = peer
	c.shared = shared
	c.log = shared.Log.With().Int("fd", fd).Str("peer", peer).Logger()

	c.rbuf = NewBuffer(shared.alloc(shared.ReadBufferSize, DefaultReadBufferSize))
	c.wbuf = NewBuffer(shared.alloc(shared.WriteBufferSize, DefaultWriteBufferSize))
	c.p.reset()
	c.resetResponse()
	c.timer = nil

	c.busy.Store((c.busy.Load()>>1 + 1) << 1)
	c.state.Store(uint32(StateReading))
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) Peer() string {
	return c.peer
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Closed reports whether Close has run since the last Init.
func (c *Conn) Closed() bool {
	return c.State() == StateClosed
}

// Busy reports whether the connection is queued or being processed.
func (c *Conn) Busy() bool {
	return c.busy.Load()&1 == 1
}

// Timer returns the expiration record bound to c.
func (c *Conn) Timer() *timer.Record {
	return c.timer
}

// BindTimer attaches the expiration record.
func (c *Conn) BindTimer(r *timer.Record) {
	c.timer = r
}

// Buffered reports whether unparsed request bytes are already buffered, as
// happens when a client pipelines requests.
func (c *Conn) Buffered() bool {
	return c.rbuf.Len() > 0
}

// MarkQueued moves a reading connection to queued before it is handed to
// the worker pool.
func (c *Conn) MarkQueued() bool {
	if !c.state.CompareAndSwap(uint32(StateReading), uint32(StateQueued)) {
		return false
	}
	for {
		old := c.busy.Load()
		if c.busy.CompareAndSwap(old, (old>>1+1)<<1|1) {
			return true
		}
	}
}

// Read performs one non-blocking read into the free tail of the read buffer.
// It returns false if the peer closed, the read failed or the buffer is
// already full. A read that would block returns true with no new data.
func (c *Conn) Read() bool {
	free := c.rbuf.Free()
	if len(free) == 0 {
		return false
	}
	n, err := unix.Read(c.fd, free)
	if err != nil {
		return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
	}
	if n <= 0 {
		return false
	}
	c.rbuf.Produce(n)
	c.shared.Stats.BytesRead(n)
	return true
}

// Process parses what has been read and, once a request is complete,
// prepares its response. It then re-arms the descriptor for read or write.
func (c *Conn) Process() {
	token := c.busy.Load()
	if c.State() != StateQueued {
		c.busy.CompareAndSwap(token, token&^1)
		return
	}
	start := time.Now()

	armed := false
	defer func() {
		if r := recover(); r != nil {
			if !armed {
				c.abort(token)
			}
			panic(r)
		}
	}()

	next, interest := StateWriting, poller.InterestWrite
	switch c.p.parse(c.rbuf.Bytes(), c.rbuf.Cap(), c.log) {
	case parseIncomplete:
		next, interest = StateReading, poller.InterestRead
	case parseBad:
		c.log.Debug().Err(c.p.err).Msg("bad request")
		c.keepAlive = false
		c.respondError(400)
	case parseDone:
		c.keepAlive = c.p.req.KeepAlive
		c.serve()
	}

	c.shared.Stats.ObserveProcessing(time.Since(start))

	// Once re-armed the reactor may reuse c, so only locals are touched
	// after Modify.
	fd, log, p := c.fd, c.log, c.shared.Poller
	armed = true
	c.state.Store(uint32(next))
	if err := p.Modify(fd, interest); err != nil {
		log.Debug().Err(err).Msg("re-arm failed")
	}
	c.busy.CompareAndSwap(token, token&^1)
}

// abort hands a connection whose processing panicked back to the reactor
// marked aborted, so the next write event closes it.
func (c *Conn) abort(token uint64) {
	c.releaseMapping()
	c.wbuf.Reset()
	c.keepAlive = false
	c.aborted = true
	c.shared.Stats.WriteAborted()

	fd, log, p := c.fd, c.log, c.shared.Poller
	log.Warn().Msg("processing failed, closing connection")
	c.state.Store(uint32(StateWriting))
	if err := p.Modify(fd, poller.InterestWrite); err != nil {
		log.Debug().Err(err).Msg("re-arm failed")
	}
	c.busy.CompareAndSwap(token, token&^1)
}

func (c *Conn) serve() {
	target := c.p.req.Target
	m, out := c.shared.Resolver.Resolve(target)
	if out != static.File {
		c.log.Debug().Str("target", target).Stringer("outcome", out).Msg("not served")
		c.respondError(out.Status())
		return
	}
	c.mapping = m
	c.body = m.Bytes()
	c.finish(response{
		code:          200,
		contentType:   static.ContentType(m.Name()),
		contentLength: len(c.body),
		keepAlive:     c.keepAlive,
	})
}

func (c *Conn) respondError(code int) {
	c.finish(errorResponse(code, c.keepAlive))
}

// finish serialises r into the write buffer. If it does not fit, a 500 is
// tried instead; if that fails too the connection is marked aborted.
func (c *Conn) finish(r response) {
	c.wbuf.Reset()
	if !r.appendTo(&c.wbuf) {
		c.releaseMapping()
		c.wbuf.Reset()
		r = errorResponse(500, c.keepAlive)
		if !r.appendTo(&c.wbuf) {
			c.wbuf.Reset()
			c.aborted = true
			c.shared.Stats.WriteAborted()
			c.log.Warn().Int("capacity", c.wbuf.Cap()).Msg("write buffer too small for any response")
			return
		}
	}
	c.status = r.code
	c.sent = 0
	c.toSend = c.wbuf.Len() + len(c.body)
	c.shared.Stats.Response(r.code)
}

// pending returns the iovecs still to send.
func (c *Conn) pending() [][]byte {
	head := c.wbuf.Bytes()
	iov := c.iov[:0]
	if c.sent < len(head) {
		iov = append(iov, head[c.sent:])
		if len(c.body) > 0 {
			iov = append(iov, c.body)
		}
		return iov
	}
	return append(iov, c.body[c.sent-len(head):])
}

// Write sends the prepared response with writev, resuming where the last
// call stopped.
func (c *Conn) Write() WriteResult {
	if c.State() != StateWriting {
		return WriteClose
	}
	if c.aborted {
		c.releaseMapping()
		return WriteClose
	}

	for c.toSend > 0 {
		n, err := unix.Writev(c.fd, c.pending())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return WriteAgain
			}
			c.log.Debug().Err(err).Msg("writev failed")
			c.releaseMapping()
			return WriteClose
		}
		if n == 0 {
			return WriteAgain
		}
		c.sent += n
		c.toSend -= n
		c.shared.Stats.BytesSent(n)
	}
	c.releaseMapping()

	if !c.keepAlive {
		return WriteClose
	}
	c.nextRequest()
	c.state.Store(uint32(StateReading))
	return WriteDone
}

// nextRequest drops the finished request from the read buffer, keeping any
// pipelined bytes after it, and clears the response state.
func (c *Conn) nextRequest() {
	c.rbuf.Consume(c.p.end)
	c.rbuf.Compact()
	c.p.reset()
	c.resetResponse()
}

func (c *Conn) resetResponse() {
	c.wbuf.Reset()
	c.mapping = nil
	c.body = nil
	c.iov = [2][]byte{}
	c.keepAlive = false
	c.aborted = false
	c.status = 0
	c.sent = 0
	c.toSend = 0
}

func (c *Conn) releaseMapping() {
	if c.mapping == nil {
		return
	}
	if err := c.mapping.Close(); err != nil {
		c.log.Warn().Err(err).Msg("munmap failed")
	}
	c.mapping = nil
	c.body = nil
}

// Close releases everything the connection holds. It is idempotent.
func (c *Conn) Close() error {
	if State(c.state.Swap(uint32(StateClosed))) == StateClosed {
		return nil
	}
	c.busy.And(^uint64(1))
	c.releaseMapping()

	var errs []error
	if err := c.shared.Poller.Remove(c.fd); err != nil &&
		!errors.Is(err, poller.ErrFDNotRegistered) && !errors.Is(err, poller.ErrPollerClosed) {
		errs = append(errs, err)
	}
	if err := unix.Close(c.fd); err != nil {
		errs = append(errs, fmt.Errorf("http: close fd %d: %w", c.fd, err))
	}

	c.shared.release(c.rbuf.Storage())
	c.shared.release(c.wbuf.Storage())
	c.rbuf, c.wbuf = Buffer{}, Buffer{}

	c.shared.Live.Add(-1)
	c.shared.Stats.Closed()
	c.log.Debug().Int("last_status", c.status).Msg("connection closed")
	return errors.Join(errs...)
}
