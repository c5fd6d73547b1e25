package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// EnvPrefix is the prefix of environment variables read by Load, e.g.
// WEBSERVER_LOG_LEVEL sets "log.level".
const EnvPrefix = "WEBSERVER"

// Config holds all application configuration.
type Config struct {
	Port        int           `config:"port"`
	Host        string        `config:"host"`
	Threads     int           `config:"threads"`
	MaxRequests int           `config:"max.requests"`
	TimeSlot    time.Duration `config:"time.slot"`
	MaxConns    int           `config:"max.conns"`
	MaxEvents   int           `config:"max.events"`
	DocRoot     string        `config:"doc.root"`

	ReadBufferSize  int `config:"buffer.read"`
	WriteBufferSize int `config:"buffer.write"`
	AcceptRate      int `config:"accept.rate"`

	LogLevel    string `config:"log.level"`
	LogFormat   string `config:"log.format"`
	StatsFile   string `config:"stats.file"`
	StatsFormat string `config:"stats.format"`

	Env string `config:"env"`
}

// Default returns the built-in configuration. The document root is ./root
// under the working directory.
func Default() *Config {
	root := "root"
	if wd, err := os.Getwd(); err == nil {
		root = filepath.Join(wd, "root")
	}
	return &Config{
		Port:            8808,
		Threads:         8,
		MaxRequests:     10000,
		TimeSlot:        5 * time.Second,
		MaxConns:        65536,
		MaxEvents:       10000,
		DocRoot:         root,
		ReadBufferSize:  2048,
		WriteBufferSize: 1024,
		LogLevel:        "info",
		LogFormat:       "json",
		StatsFormat:     "json",
		Env:             "development",
	}
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"port":         "port",
	"p":            "port",
	"host":         "host",
	"threads":      "threads",
	"t":            "threads",
	"max-requests": "max.requests",
	"time-slot":    "time.slot",
	"max-conns":    "max.conns",
	"max-events":   "max.events",
	"root":         "doc.root",
	"read-buffer":  "buffer.read",
	"write-buffer": "buffer.write",
	"accept-rate":  "accept.rate",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"stats-file":   "stats.file",
	"stats-format": "stats.format",
	"env":          "env",
}

// Load builds a Config from defaults, then an optional config file, then
// WEBSERVER_* environment variables, then flags given explicitly in args
// (which excludes the program name).
func Load(args []string) (*Config, error) {
	return load(args, os.Environ())
}

func load(args, environ []string) (*Config, error) {
	cfg := Default()

	// Flags are parsed into a scratch copy; only those set explicitly are
	// applied, after the file and environment.
	fl := *cfg
	fs := flag.NewFlagSet("webserver", flag.ContinueOnError)
	configFile := fs.String("config", "", "config file (.json or .toml)")
	fs.IntVar(&fl.Port, "port", cfg.Port, "HTTP server port")
	fs.IntVar(&fl.Port, "p", cfg.Port, "shorthand for -port")
	fs.StringVar(&fl.Host, "host", cfg.Host, "IPv4 address to bind (empty for all)")
	fs.IntVar(&fl.Threads, "threads", cfg.Threads, "worker threads")
	fs.IntVar(&fl.Threads, "t", cfg.Threads, "shorthand for -threads")
	fs.IntVar(&fl.MaxRequests, "max-requests", cfg.MaxRequests, "work queue capacity")
	fs.DurationVar(&fl.TimeSlot, "time-slot", cfg.TimeSlot, "idle sweep interval; connections expire after three")
	fs.IntVar(&fl.MaxConns, "max-conns", cfg.MaxConns, "maximum open connections")
	fs.IntVar(&fl.MaxEvents, "max-events", cfg.MaxEvents, "events fetched per poll")
	fs.StringVar(&fl.DocRoot, "root", cfg.DocRoot, "document root")
	fs.IntVar(&fl.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "per-connection read buffer bytes")
	fs.IntVar(&fl.WriteBufferSize, "write-buffer", cfg.WriteBufferSize, "per-connection header buffer bytes")
	fs.IntVar(&fl.AcceptRate, "accept-rate", cfg.AcceptRate, "accepted connections per peer per second (0 = unlimited)")
	fs.StringVar(&fl.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&fl.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	fs.StringVar(&fl.StatsFile, "stats-file", cfg.StatsFile, "write a stats snapshot here on shutdown")
	fs.StringVar(&fl.StatsFormat, "stats-format", cfg.StatsFormat, "stats snapshot format (json or binary)")
	fs.StringVar(&fl.Env, "env", cfg.Env, "Environment (development/production)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	m := NewManager()
	if *configFile != "" {
		if err := m.LoadFromFile(*configFile); err != nil {
			return nil, err
		}
	}
	m.loadFromEnviron(EnvPrefix, environ)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			m.Set(key, f.Value.String())
		}
	})

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New loads configuration from the command line and environment, exiting
// on error.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Threads <= 0:
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	case c.MaxRequests <= 0:
		return fmt.Errorf("max requests must be positive, got %d", c.MaxRequests)
	case c.TimeSlot <= 0:
		return fmt.Errorf("time slot must be positive, got %v", c.TimeSlot)
	case c.MaxConns <= 0:
		return fmt.Errorf("max conns must be positive, got %d", c.MaxConns)
	case c.MaxEvents <= 0:
		return fmt.Errorf("max events must be positive, got %d", c.MaxEvents)
	case c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0:
		return fmt.Errorf("buffer sizes must be positive")
	case c.AcceptRate < 0:
		return fmt.Errorf("accept rate must not be negative")
	case c.DocRoot == "":
		return fmt.Errorf("document root is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	switch c.StatsFormat {
	case "json", "binary":
	default:
		return fmt.Errorf("invalid stats format %q", c.StatsFormat)
	}
	return nil
}
