//go:build linux

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/reactor-httpd/config"
)

// syncBuffer guards log output written from the engine's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o755))
	index := filepath.Join(root, "index.html")
	require.NoError(t, os.WriteFile(index, []byte("<p>app</p>"), 0o644))
	require.NoError(t, os.Chmod(index, 0o644))

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.Threads = 2
	cfg.MaxRequests = 16
	cfg.MaxEvents = 32
	cfg.DocRoot = root
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	log, err = NewLogger("debug", "console", &buf)
	require.NoError(t, err)
	log.Debug().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")

	_, err = NewLogger("nope", "json", &buf)
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Threads = 0
	_, err := NewWithWriter(cfg, io.Discard)
	assert.Error(t, err)
}

func TestApp_RunServesAndWritesStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.StatsFile = filepath.Join(t.TempDir(), "stats.json")

	var logs syncBuffer
	a, err := NewWithWriter(cfg, &logs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	url := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/index.html"
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "<p>app</p>", body)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	data, err := os.ReadFile(cfg.StatsFile)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(data, &snap))
	responses := snap["responses"].(map[string]any)
	assert.GreaterOrEqual(t, responses["200"], float64(1))

	out := logs.String()
	assert.Contains(t, out, `"message":"server starting"`)
	assert.Contains(t, out, `"message":"server stopped"`)
	assert.Contains(t, out, `"component":"reactor"`)
}

func TestApp_BinaryStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.StatsFile = filepath.Join(t.TempDir(), "stats.pb")
	cfg.StatsFormat = "binary"

	a, err := NewWithWriter(cfg, io.Discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	data, err := os.ReadFile(cfg.StatsFile)
	require.NoError(t, err)
	var snap structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &snap))
	assert.Contains(t, snap.GetFields(), "connections")
}

func TestApp_ListenFailure(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t)
	cfg.Port = l.Addr().(*net.TCPAddr).Port

	a, err := NewWithWriter(cfg, io.Discard)
	require.NoError(t, err)
	assert.Error(t, a.Run(context.Background()))
}
