//go:build linux

package http

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor-httpd/core/observability"
	"github.com/searchktools/reactor-httpd/core/poller"
	"github.com/searchktools/reactor-httpd/core/pools"
	"github.com/searchktools/reactor-httpd/core/static"
)

// recordingPoller records re-arm requests instead of touching the kernel.
type recordingPoller struct {
	mu      sync.Mutex
	mods    []poller.Interest
	removed []int

	// onModify, if set, runs after each re-arm as the reactor would.
	onModify func()
}

func (p *recordingPoller) Add(int, poller.Interest, bool) error { return nil }

func (p *recordingPoller) Modify(_ int, in poller.Interest) error {
	p.mu.Lock()
	p.mods = append(p.mods, in)
	hook := p.onModify
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *recordingPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, fd)
	return nil
}

func (p *recordingPoller) Wait([]poller.Event, int) (int, error) { return 0, nil }
func (p *recordingPoller) Close() error                          { return nil }

func (p *recordingPoller) last() poller.Interest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mods) == 0 {
		return 0
	}
	return p.mods[len(p.mods)-1]
}

type harness struct {
	conn   *Conn
	peer   int
	poller *recordingPoller
	shared *Shared
}

func docRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o755))
	files := map[string]string{
		"index.html": "hello world",
		"a.txt":      "alpha",
		"empty.html": "",
		"big.bin":    strings.Repeat("0123456789", 50_000),
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		require.NoError(t, os.Chmod(p, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir"), 0o755))
	return dir
}

func newHarness(t *testing.T, readSize, writeSize int) *harness {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	res, err := static.NewResolver(docRoot(t))
	require.NoError(t, err)

	fp := &recordingPoller{}
	shared := &Shared{
		Poller:          fp,
		Resolver:        res,
		Buffers:         pools.NewBytePool(),
		Stats:           observability.NewStats(),
		Log:             zerolog.Nop(),
		ReadBufferSize:  readSize,
		WriteBufferSize: writeSize,
	}
	shared.Live.Add(1)

	c := &Conn{}
	c.Init(fds[0], "test-peer", shared)
	t.Cleanup(func() {
		c.Close()
		unix.Close(fds[1])
	})
	return &harness{conn: c, peer: fds[1], poller: fp, shared: shared}
}

func (h *harness) send(t *testing.T, raw string) {
	t.Helper()
	_, err := unix.Write(h.peer, []byte(raw))
	require.NoError(t, err)
}

// drain reads everything currently buffered on the client side.
func (h *harness) drain(t *testing.T) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(h.peer, buf)
		if errors.Is(err, unix.EAGAIN) || n == 0 {
			return sb.String()
		}
		require.NoError(t, err)
		sb.Write(buf[:n])
	}
}

// cycle runs read and process once, asserting the connection is ready to
// write, then writes until the socket is done or would block.
func (h *harness) cycle(t *testing.T) WriteResult {
	t.Helper()
	require.True(t, h.conn.Read())
	return h.process(t)
}

func (h *harness) process(t *testing.T) WriteResult {
	t.Helper()
	require.True(t, h.conn.MarkQueued())
	assert.True(t, h.conn.Busy())
	h.conn.Process()
	assert.False(t, h.conn.Busy())
	require.Equal(t, StateWriting, h.conn.State())
	require.Equal(t, poller.InterestWrite, h.poller.last())
	return h.conn.Write()
}

func TestConn_ServeFileKeepAlive(t *testing.T) {
	h := newHarness(t, 0, 0)

	h.send(t, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, WriteDone, h.cycle(t))
	assert.Equal(t,
		"HTTP/1.1 200 OK\r\n"+
			"Content-Length: 11\r\n"+
			"Content-Type: text/html; charset=utf-8\r\n"+
			"Connection: keep-alive\r\n\r\n"+
			"hello world",
		h.drain(t))

	assert.Equal(t, StateReading, h.conn.State())
	assert.False(t, h.conn.Buffered())
	assert.Nil(t, h.conn.mapping)

	h.send(t, "GET /a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, WriteDone, h.cycle(t))
	got := h.drain(t)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"), got)
	assert.True(t, strings.HasSuffix(got, "\r\n\r\nalpha"), got)
	assert.Contains(t, got, "Content-Type: text/plain; charset=utf-8\r\n")
}

func TestConn_NotFoundClose(t *testing.T) {
	h := newHarness(t, 0, 0)

	h.send(t, "GET /missing.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, WriteClose, h.cycle(t))
	assert.Equal(t,
		"HTTP/1.1 404 Not Found\r\n"+
			"Content-Length: "+strconv.Itoa(len(body404))+"\r\n"+
			"Content-Type: text/html\r\n"+
			"Connection: close\r\n\r\n"+
			body404,
		h.drain(t))
}

func TestConn_ErrorStatuses(t *testing.T) {
	for _, tc := range []struct {
		name, req string
		code      int
		body      string
		result    WriteResult
	}{
		{"forbidden", "GET /private.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", 403, body403, WriteDone},
		{"directory", "GET /dir HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", 400, body400, WriteDone},
		{"bad method", "DELETE / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", 400, body400, WriteClose},
		{"bad version", "GET / HTTP/2.0\r\n\r\n", 400, body400, WriteClose},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0, 0)
			h.send(t, tc.req)
			assert.Equal(t, tc.result, h.cycle(t))

			got := h.drain(t)
			assert.True(t, strings.HasPrefix(got, "HTTP/1.1 "+strconv.Itoa(tc.code)+" "), got)
			assert.True(t, strings.HasSuffix(got, "\r\n\r\n"+tc.body), got)
		})
	}
}

func TestConn_EmptyFilePlaceholder(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.send(t, "GET /empty.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, WriteClose, h.cycle(t))

	got := h.drain(t)
	assert.Contains(t, got, "Content-Length: "+strconv.Itoa(len(static.EmptyBody))+"\r\n")
	assert.True(t, strings.HasSuffix(got, static.EmptyBody))
}

func TestConn_PartialBodyWaits(t *testing.T) {
	h := newHarness(t, 0, 0)

	h.send(t, "POST /a.txt HTTP/1.1\r\nContent-Length: 10\r\nConnection: keep-alive\r\n\r\n0123")
	require.True(t, h.conn.Read())
	require.True(t, h.conn.MarkQueued())
	h.conn.Process()
	assert.Equal(t, StateReading, h.conn.State())
	assert.Equal(t, poller.InterestRead, h.poller.last())
	assert.Empty(t, h.drain(t))

	h.send(t, "456789")
	assert.Equal(t, WriteDone, h.cycle(t))
	assert.True(t, strings.HasSuffix(h.drain(t), "alpha"))
}

func TestConn_PipelinedRequests(t *testing.T) {
	h := newHarness(t, 0, 0)

	h.send(t, "GET /a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"+
		"GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	assert.Equal(t, WriteDone, h.cycle(t))
	assert.True(t, strings.HasSuffix(h.drain(t), "alpha"))

	require.True(t, h.conn.Buffered())
	assert.Equal(t, WriteClose, h.process(t))
	assert.True(t, strings.HasSuffix(h.drain(t), "hello world"))
}

func TestConn_LargeFileResumesAfterWouldBlock(t *testing.T) {
	h := newHarness(t, 0, 0)
	const size = 500_000

	h.send(t, "GET /big.bin HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	res := h.cycle(t)

	var got strings.Builder
	for res == WriteAgain {
		got.WriteString(h.drain(t))
		res = h.conn.Write()
	}
	require.Equal(t, WriteDone, res)
	got.WriteString(h.drain(t))

	out := got.String()
	i := strings.Index(out, "\r\n\r\n")
	require.Positive(t, i)
	assert.Contains(t, out[:i], "Content-Length: 500000")
	body := out[i+4:]
	require.Len(t, body, size)
	assert.Equal(t, strings.Repeat("0123456789", size/10), body)
}

func TestConn_WriteBufferTooSmallAborts(t *testing.T) {
	h := newHarness(t, 0, 64)

	h.send(t, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, WriteClose, h.cycle(t))
	assert.Empty(t, h.drain(t))
	assert.True(t, h.conn.aborted)
}

func TestConn_FallbackTo500(t *testing.T) {
	h := newHarness(t, 0, 0)
	require.True(t, h.conn.MarkQueued())

	h.conn.keepAlive = true
	h.conn.finish(response{
		code:          200,
		contentType:   strings.Repeat("x", 2048),
		contentLength: 1,
		keepAlive:     true,
	})
	assert.Equal(t, 500, h.conn.status)
	assert.False(t, h.conn.aborted)
	assert.True(t, strings.HasSuffix(string(h.conn.wbuf.Bytes()), body500))
}

func TestConn_ReadBufferFull(t *testing.T) {
	h := newHarness(t, 16, 0)

	h.send(t, "GET /a-very-long-target-that-overflows HTTP/1.1\r\n")
	require.True(t, h.conn.Read())
	assert.False(t, h.conn.Read(), "full buffer must fail the read")
}

func TestConn_PeerClosed(t *testing.T) {
	h := newHarness(t, 0, 0)
	require.NoError(t, unix.Shutdown(h.peer, unix.SHUT_WR))
	assert.False(t, h.conn.Read())
}

func TestConn_ReadWouldBlock(t *testing.T) {
	h := newHarness(t, 0, 0)
	assert.True(t, h.conn.Read())
	assert.False(t, h.conn.Buffered())
}

func TestConn_CloseIdempotentAndProcessFailsSoft(t *testing.T) {
	h := newHarness(t, 0, 0)
	fd := h.conn.Fd()

	require.NoError(t, h.conn.Close())
	require.NoError(t, h.conn.Close())
	assert.True(t, h.conn.Closed())
	assert.Equal(t, []int{fd}, h.poller.removed)
	assert.Zero(t, h.shared.Live.Load())

	assert.False(t, h.conn.MarkQueued())
	h.conn.Process()
	assert.Empty(t, h.poller.mods)
	assert.Equal(t, WriteClose, h.conn.Write())
}

func TestConn_LateWorkerKeepsNextCycleBusy(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.send(t, "GET /a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	require.True(t, h.conn.Read())
	require.True(t, h.conn.MarkQueued())

	// The reactor finishes the response and queues the next request before
	// the first worker has returned from Process.
	h.poller.onModify = func() {
		h.poller.onModify = nil
		require.Equal(t, WriteDone, h.conn.Write())
		h.send(t, "GET / HTTP/1.1\r\n\r\n")
		require.True(t, h.conn.Read())
		require.True(t, h.conn.MarkQueued())
	}
	h.conn.Process()

	assert.True(t, h.conn.Busy(), "next cycle must stay busy")
	assert.Equal(t, StateQueued, h.conn.State())

	h.conn.Process()
	assert.False(t, h.conn.Busy())
	assert.Equal(t, WriteClose, h.conn.Write())
	assert.Contains(t, h.drain(t), "hello world")
}

func TestConn_PanicInProcessAborts(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.send(t, "GET /a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	require.True(t, h.conn.Read())
	require.True(t, h.conn.MarkQueued())

	h.shared.Resolver = nil
	assert.Panics(t, h.conn.Process)

	assert.False(t, h.conn.Busy())
	assert.Equal(t, StateWriting, h.conn.State())
	assert.Equal(t, poller.InterestWrite, h.poller.last())
	assert.True(t, h.conn.aborted)
	assert.Equal(t, WriteClose, h.conn.Write())
	assert.Empty(t, h.drain(t))
}
