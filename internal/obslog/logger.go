// Package obslog wraps log/slog the way the rest of this lineage does:
// one process-wide structured logger, configurable level/format/output,
// with optional file rotation via lumberjack.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. Init/InitWithConfig replace it; until
// either is called it defaults to an info-level JSON logger on stdout.
var Log *slog.Logger

func init() {
	Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Config configures Init.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Init initializes Log at the given level with JSON output to stdout.
func Init(level string) {
	InitWithConfig(Config{Level: level, Format: "json", Output: "stdout"})
}

// InitWithConfig initializes Log from a full Config.
func InitWithConfig(cfg Config) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/permitd.log"
		}
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		writer = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSize, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAge, 7),
			Compress:   cfg.Compress,
		}
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	Log = slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithSource returns a logger scoped to a single source's id and name,
// used by the orchestrator and connectors for every log line about a run.
func WithSource(sourceID int64, sourceName string) *slog.Logger {
	return Log.With("source_id", sourceID, "source_name", sourceName)
}
