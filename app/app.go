//go:build linux

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/reactor-httpd/config"
	"github.com/searchktools/reactor-httpd/core"
	"github.com/searchktools/reactor-httpd/core/observability"
)

// App wires configuration, logging and the engine together.
type App struct {
	cfg    *config.Config
	log    zerolog.Logger
	stats  *observability.Stats
	engine *core.Engine
}

// New creates an application instance logging to stderr.
func New(cfg *config.Config) (*App, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit log destination.
func NewWithWriter(cfg *config.Config, w io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := NewLogger(cfg.LogLevel, cfg.LogFormat, w)
	if err != nil {
		return nil, err
	}

	stats := observability.NewStats()
	engine, err := core.NewEngine(engineOptions(cfg, log, stats))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    log.With().Str("component", "app").Logger(),
		stats:  stats,
		engine: engine,
	}, nil
}

// Engine returns the underlying engine.
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger {
	return a.log
}

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func engineOptions(cfg *config.Config, log zerolog.Logger, stats *observability.Stats) core.Options {
	return core.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Threads:         cfg.Threads,
		MaxRequests:     cfg.MaxRequests,
		TimeSlot:        cfg.TimeSlot,
		MaxConns:        cfg.MaxConns,
		MaxEvents:       cfg.MaxEvents,
		DocRoot:         cfg.DocRoot,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		AcceptRate:      cfg.AcceptRate,
		Logger:          log,
		Stats:           stats,
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then writes
// the stats snapshot.
func (a *App) Run(ctx context.Context) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := a.engine.Listen(); err != nil {
		return err
	}
	a.log.Info().
		Str("addr", a.engine.Addr()).
		Str("root", a.cfg.DocRoot).
		Str("env", a.cfg.Env).
		Int("threads", a.cfg.Threads).
		Msg("server starting")

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return a.engine.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if sigCtx.Err() != nil && ctx.Err() == nil {
				a.log.Info().Msg("signal received, shutting down")
			}
		case <-a.engine.Done():
		}
		return nil
	})
	err := g.Wait()

	if serr := a.writeStats(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// writeStats logs the snapshot and, if configured, writes it to StatsFile.
func (a *App) writeStats() error {
	snap, err := a.stats.Encode("json")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, snap); err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	a.log.Info().RawJSON("stats", compact.Bytes()).Msg("server stopped")

	if a.cfg.StatsFile == "" {
		return nil
	}
	data := snap
	if a.cfg.StatsFormat != "json" {
		if data, err = a.stats.Encode(a.cfg.StatsFormat); err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
	}
	if err := os.WriteFile(a.cfg.StatsFile, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}
