package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBDriver     = "sqlite"
	defaultDBPath       = "salvo.db"
	defaultIOLoops      = 2
	defaultSyncInterval = time.Second

	envListenAddr   = "SALVO_LISTEN_ADDR"
	envDBDriver     = "SALVO_DB_DRIVER"
	envDBPath       = "SALVO_DB_PATH"
	envDBDSN        = "SALVO_DB_DSN"
	envLogLevel     = "SALVO_LOG_LEVEL"
	envIOLoops      = "SALVO_IO_LOOPS"
	envSyncInterval = "SALVO_SYNC_INTERVAL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBDriver     string
	DBPath       string
	DBDSN        string
	LogLevel     slog.Level
	IOLoops      int
	SyncInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values are reported rather than silently replaced.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBDriver:     defaultDBDriver,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		IOLoops:      defaultIOLoops,
		SyncInterval: defaultSyncInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDBDSN); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envIOLoops); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("%s: want a positive integer, got %q", envIOLoops, v)
		}
		cfg.IOLoops = n
	}
	if v := os.Getenv(envSyncInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("%s: want a positive duration, got %q", envSyncInterval, v)
		}
		cfg.SyncInterval = d
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "postgres":
		if cfg.DBDSN == "" {
			return cfg, fmt.Errorf("%s is required for the postgres driver", envDBDSN)
		}
	default:
		return cfg, fmt.Errorf("%s: unknown driver %q", envDBDriver, cfg.DBDriver)
	}

	return cfg, nil
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
