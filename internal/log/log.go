// Package log provides structured, colored logging for the wallet engine.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Rotation limits for the log file.
const (
	MaxLogFileSizeKB = 10 * 1024
	MaxLogFiles      = 3
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Chain   zerolog.Logger
	Ledger  zerolog.Logger
	Keys    zerolog.Logger
	Persist zerolog.Logger
	Sync    zerolog.Logger
	P2P     zerolog.Logger
	RPC     zerolog.Logger
	Wallet  zerolog.Logger
	Storage zerolog.Logger
)

var (
	rotMu sync.Mutex
	rot   *rotator.Rotator
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and a size-rotated file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	if file == "" {
		if jsonOutput {
			Logger = NewJSONLogger(os.Stdout, level)
		} else {
			Logger = NewConsoleLogger(os.Stdout, level)
		}
		initComponentLoggers()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(file, MaxLogFileSizeKB, false, MaxLogFiles)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}

	rotMu.Lock()
	if rot != nil {
		rot.Close()
	}
	rot = r
	rotMu.Unlock()

	var consoleWriter io.Writer
	if jsonOutput {
		consoleWriter = os.Stdout
	} else {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	multi := zerolog.MultiLevelWriter(consoleWriter, zerolog.SyncWriter(r))
	Logger = zerolog.New(multi).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()

	initComponentLoggers()
	return nil
}

// Close flushes and closes the log file, if one was opened by Init.
func Close() error {
	rotMu.Lock()
	defer rotMu.Unlock()
	if rot == nil {
		return nil
	}
	err := rot.Close()
	rot = nil
	return err
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Chain = WithComponent("chain")
	Ledger = WithComponent("ledger")
	Keys = WithComponent("keys")
	Persist = WithComponent("persist")
	Sync = WithComponent("sync")
	P2P = WithComponent("p2p")
	RPC = WithComponent("rpc")
	Wallet = WithComponent("wallet")
	Storage = WithComponent("storage")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithWallet returns a component logger tagged with a wallet identifier, so
// that several open wallets in one process can be told apart.
func WithWallet(component, id string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("wallet", id).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
