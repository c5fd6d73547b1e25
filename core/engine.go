//go:build linux

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor-httpd/core/http"
	"github.com/searchktools/reactor-httpd/core/observability"
	"github.com/searchktools/reactor-httpd/core/poller"
	"github.com/searchktools/reactor-httpd/core/pools"
	"github.com/searchktools/reactor-httpd/core/static"
	"github.com/searchktools/reactor-httpd/core/timer"
)

// Engine is the reactor: one goroutine multiplexes the listening socket, a
// wake-up notifier and every connection, handing parse-and-respond work to
// a worker pool.
type Engine struct {
	opts Options
	log  zerolog.Logger

	shared   *http.Shared
	pool     *pools.WorkerPool
	poller   *poller.EpollPoller
	notifier *poller.Notifier
	timers   *timer.List
	limiter  *catrate.Limiter

	// conns is indexed by fd. Slots are reused across accepts.
	conns  []*http.Conn
	events []poller.Event

	lfd  int
	port int

	tick        *time.Timer
	tickPending bool
	stopPending bool

	serving  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine validates opts and creates an Engine. Nothing is opened until
// Listen.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Stats == nil {
		opts.Stats = observability.NewStats()
	}

	e := &Engine{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "reactor").Logger(),
		timers: timer.NewList(),
		lfd:    -1,
		done:   make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		e.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: opts.AcceptRate,
		})
	}
	return e, nil
}

// Listen opens the listening socket, the poller and the notifier, and
// starts the worker pool. Port 0 picks a free port; see Addr.
func (e *Engine) Listen() (err error) {
	if e.lfd >= 0 {
		return fmt.Errorf("%w: already listening", ErrInvalidOptions)
	}

	resolver, err := static.NewResolver(e.opts.DocRoot)
	if err != nil {
		return fmt.Errorf("core: document root: %w", err)
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			e.lfd = -1
		}
	}()

	lfd, port, err := listenTCP4(e.opts.Host, e.opts.Port)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { unix.Close(lfd) })

	p, err := poller.NewPoller()
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { p.Close() })

	n, err := poller.NewNotifier()
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { n.Close() })

	if err = p.Add(lfd, poller.InterestRead, false); err != nil {
		return err
	}
	if err = p.Add(n.Fd(), poller.InterestRead, false); err != nil {
		return err
	}

	pool, err := pools.NewWorkerPool(e.opts.Threads, e.opts.MaxRequests,
		pools.WithLogger(e.opts.Logger.With().Str("component", "pool").Logger()))
	if err != nil {
		return err
	}

	e.lfd, e.port = lfd, port
	e.poller, e.notifier, e.pool = p, n, pool
	e.shared = &http.Shared{
		Poller:          p,
		Resolver:        resolver,
		Buffers:         pools.NewBytePool(e.opts.ReadBufferSize, e.opts.WriteBufferSize),
		Stats:           e.opts.Stats,
		Log:             e.opts.Logger.With().Str("component", "conn").Logger(),
		ReadBufferSize:  e.opts.ReadBufferSize,
		WriteBufferSize: e.opts.WriteBufferSize,
	}
	e.conns = make([]*http.Conn, min(e.opts.MaxConns, 1024))
	e.events = make([]poller.Event, e.opts.MaxEvents)

	e.log.Info().
		Str("addr", e.Addr()).
		Str("root", resolver.Root).
		Int("threads", e.opts.Threads).
		Int("queue", e.opts.MaxRequests).
		Dur("time_slot", e.opts.TimeSlot).
		Msg("listening")
	return nil
}

func listenTCP4(host string, port int) (int, int, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return -1, 0, fmt.Errorf("%w: host %q is not an IPv4 address", ErrInvalidOptions, host)
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("core: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("core: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("core: bind %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("core: listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("core: getsockname: %w", err)
	}
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		port = in4.Port
	}
	return fd, port, nil
}

// Addr returns the bound address. It is only meaningful after Listen.
func (e *Engine) Addr() string {
	host := e.opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.port))
}

// Stats returns the engine's counters.
func (e *Engine) Stats() *observability.Stats {
	return e.opts.Stats
}

// Live returns the number of open connections.
func (e *Engine) Live() int64 {
	if e.shared == nil {
		return 0
	}
	return e.shared.Live.Load()
}

// Done is closed once the engine has stopped and released its resources.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run is Listen followed by Serve.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Shutdown asks a serving engine to stop. It returns immediately; wait on
// Done for completion.
func (e *Engine) Shutdown() {
	if e.notifier != nil {
		e.notifier.Notify(poller.NotifyStop)
	}
}

// Serve runs the event loop until ctx is cancelled, Shutdown is called or
// the poller fails.
func (e *Engine) Serve(ctx context.Context) error {
	if e.lfd < 0 {
		return ErrNotListening
	}
	if !e.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}

	stopRelay := context.AfterFunc(ctx, e.Shutdown)
	defer stopRelay()

	e.armTick()
	for {
		n, err := e.poller.Wait(e.events, -1)
		if err != nil {
			e.log.Error().Err(err).Msg("event loop failed")
			e.stop()
			return err
		}

		for i := 0; i < n; i++ {
			e.dispatch(e.events[i])
		}

		if e.tickPending {
			e.tickPending = false
			if k := e.timers.Tick(time.Now()); k > 0 {
				e.log.Debug().Int("expired", k).Int64("live", e.Live()).Msg("idle sweep")
			}
			e.armTick()
		}
		if e.stopPending {
			e.stop()
			return nil
		}
	}
}

func (e *Engine) armTick() {
	n := e.notifier
	if e.tick == nil {
		e.tick = time.AfterFunc(e.opts.TimeSlot, func() {
			n.Notify(poller.NotifyTick)
		})
		return
	}
	e.tick.Reset(e.opts.TimeSlot)
}

func (e *Engine) dispatch(ev poller.Event) {
	switch ev.Fd {
	case e.lfd:
		e.accept()
		return
	case e.notifier.Fd():
		flags := e.notifier.Drain()
		e.tickPending = e.tickPending || flags&poller.NotifyTick != 0
		e.stopPending = e.stopPending || flags&poller.NotifyStop != 0
		return
	}

	c := e.conn(ev.Fd)
	if c == nil || c.Closed() {
		return
	}
	switch {
	case ev.Has(poller.Hangup), ev.Has(poller.Error):
		e.closeConn(c)
	case ev.Has(poller.Readable):
		if !c.Read() {
			e.closeConn(c)
			return
		}
		e.enqueue(c)
	case ev.Has(poller.Writable):
		switch c.Write() {
		case http.WriteAgain:
			e.rearm(c, poller.InterestWrite)
			e.touch(c)
		case http.WriteDone:
			if c.Buffered() {
				e.enqueue(c)
				return
			}
			e.rearm(c, poller.InterestRead)
			e.touch(c)
		case http.WriteClose:
			e.closeConn(c)
		}
	}
}

func (e *Engine) accept() {
	for {
		nfd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		host, peer := peerAddr(sa)
		if e.shared.Live.Load() >= int64(e.opts.MaxConns) {
			unix.Close(nfd)
			e.opts.Stats.Rejected(observability.RejectConnLimit)
			e.log.Warn().Str("peer", peer).Int("max_conns", e.opts.MaxConns).Msg("connection limit reached")
			continue
		}
		if e.limiter != nil {
			if next, ok := e.limiter.Allow(host); !ok {
				unix.Close(nfd)
				e.opts.Stats.Rejected(observability.RejectRateLimit)
				e.log.Warn().Str("peer", peer).Time("retry_at", next).Msg("accept rate exceeded")
				continue
			}
		}

		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := e.slot(nfd)
		e.shared.Live.Add(1)
		c.Init(nfd, peer, e.shared)
		if err := e.poller.Add(nfd, poller.InterestRead, true); err != nil {
			e.log.Warn().Err(err).Str("peer", peer).Msg("register failed")
			c.Close()
			continue
		}

		rec := timer.NewRecord(nfd, e.expiry(), e)
		c.BindTimer(rec)
		e.timers.Add(rec)
		e.opts.Stats.Accepted()
	}
}

func peerAddr(sa unix.Sockaddr) (host, hostport string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		host = net.IP(a.Addr[:]).String()
		return host, net.JoinHostPort(host, strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		host = net.IP(a.Addr[:]).String()
		return host, net.JoinHostPort(host, strconv.Itoa(a.Port))
	}
	return "unknown", "unknown"
}

func (e *Engine) slot(fd int) *http.Conn {
	if fd >= len(e.conns) {
		grown := make([]*http.Conn, max(fd+1, 2*len(e.conns)))
		copy(grown, e.conns)
		e.conns = grown
	}
	if e.conns[fd] == nil {
		e.conns[fd] = &http.Conn{}
	}
	return e.conns[fd]
}

func (e *Engine) conn(fd int) *http.Conn {
	if fd < 0 || fd >= len(e.conns) {
		return nil
	}
	return e.conns[fd]
}

func (e *Engine) enqueue(c *http.Conn) {
	if !c.MarkQueued() {
		e.closeConn(c)
		return
	}
	if !e.pool.Submit(c) {
		e.opts.Stats.Rejected(observability.RejectQueueFull)
		e.log.Warn().Str("peer", c.Peer()).Int("queue", e.pool.Cap()).Msg("work queue full")
		e.closeConn(c)
		return
	}
	e.touch(c)
}

func (e *Engine) rearm(c *http.Conn, interest poller.Interest) {
	if err := e.poller.Modify(c.Fd(), interest); err != nil {
		e.log.Debug().Err(err).Int("fd", c.Fd()).Msg("re-arm failed")
	}
}

func (e *Engine) expiry() time.Time {
	return time.Now().Add(expirySlots * e.opts.TimeSlot)
}

func (e *Engine) touch(c *http.Conn) {
	e.timers.Reschedule(c.Timer(), e.expiry())
}

// Evict is the timer action for idle connections. Connections queued or
// being processed get one more period instead.
func (e *Engine) Evict(fd int) {
	c := e.conn(fd)
	if c == nil || c.Closed() {
		return
	}
	if c.Busy() {
		e.timers.Reschedule(c.Timer(), e.expiry())
		return
	}
	e.opts.Stats.Evicted()
	e.log.Debug().Str("peer", c.Peer()).Stringer("state", c.State()).Msg("evicting idle connection")
	e.closeConn(c)
}

func (e *Engine) closeConn(c *http.Conn) {
	e.timers.Remove(c.Timer())
	c.BindTimer(nil)
	if err := c.Close(); err != nil {
		e.log.Debug().Err(err).Str("peer", c.Peer()).Msg("close failed")
	}
}

// stop tears everything down. Workers are drained first so no Process call
// races the forced closes.
func (e *Engine) stop() {
	e.stopOnce.Do(func() {
		if e.tick != nil {
			e.tick.Stop()
		}
		dropped, _ := e.pool.Close()

		forced := 0
		for _, c := range e.conns {
			if c != nil && !c.Closed() {
				e.closeConn(c)
				forced++
			}
		}

		var errs []error
		errs = append(errs, unix.Close(e.lfd))
		errs = append(errs, e.notifier.Close())
		errs = append(errs, e.poller.Close())
		if err := errors.Join(errs...); err != nil {
			e.log.Warn().Err(err).Msg("shutdown cleanup")
		}

		ps := e.pool.Stats()
		e.log.Info().
			Int("dropped_work", dropped).
			Int("closed_conns", forced).
			Uint64("processed", ps.TasksCompleted).
			Uint64("rejected_work", ps.TasksRejected).
			Msg("engine stopped")
		close(e.done)
	})
}
