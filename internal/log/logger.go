package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Verbosity thresholds on the 0..50 scale accepted by DABL_LOG_LEVEL and
// POST /log-level.
const (
	LevelRuntime     = 0
	LevelIntegration = 10
	LevelFramework   = 20
	LevelAll         = 40
	LevelMax         = 50
)

// LevelOption is one entry of the verbosity picker shown by /status.
type LevelOption struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

var (
	once sync.Once

	level atomic.Int64

	// Each logger family has its own threshold so that integration debug
	// output can be enabled without flooding the log with runtime internals.
	integrationLevel slog.LevelVar
	runtimeLevel     slog.LevelVar
	transportLevel   slog.LevelVar

	runtimeLogger     *slog.Logger
	integrationLogger *slog.Logger
	transportLogger   *slog.Logger
)

// Setup initializes the process loggers writing JSON to stdout.
// Out of range levels are clamped into [0, 50].
func Setup(lvl int) {
	once.Do(func() {
		setup(os.Stdout, lvl)
	})
}

func setup(w io.Writer, lvl int) {
	runtimeLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &runtimeLevel}))
	integrationLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &integrationLevel}))
	transportLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &transportLevel}))
	slog.SetDefault(runtimeLogger)

	if lvl < 0 {
		lvl = 0
	}
	if lvl > LevelMax {
		lvl = LevelMax
	}
	applyLevel(lvl)
}

// SetLevel changes verbosity at runtime.
func SetLevel(lvl int) error {
	if lvl < 0 || lvl > LevelMax {
		return fmt.Errorf("log level %d is out of the valid range [0,%d]", lvl, LevelMax)
	}
	prev := Level()
	applyLevel(lvl)
	if lvl > 0 || prev > 0 {
		Get().Info("log level updated", "log_level", lvl, "previous", prev)
	}
	return nil
}

func applyLevel(lvl int) {
	level.Store(int64(lvl))
	integrationLevel.Set(threshold(lvl, LevelIntegration))
	runtimeLevel.Set(threshold(lvl, LevelFramework))
	transportLevel.Set(threshold(lvl, LevelAll))
}

func threshold(lvl, debugAt int) slog.Level {
	if lvl >= debugAt {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Level returns the current verbosity on the 0..50 scale.
func Level() int {
	return int(level.Load())
}

// DebugEnabled reports whether runtime debug output is on.
func DebugEnabled() bool {
	return Level() >= LevelFramework
}

// Options lists the verbosity presets.
func Options() []LevelOption {
	return []LevelOption{
		{Label: "Runtime", Value: LevelRuntime},
		{Label: "Low", Value: LevelIntegration},
		{Label: "High", Value: LevelFramework},
		{Label: "All", Value: LevelMax},
	}
}

// Get returns the runtime logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if runtimeLogger == nil {
		Setup(LevelRuntime)
	}
	return runtimeLogger
}

// WithComponent returns a runtime logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// ForIntegration returns the logger handed to integration code.
func ForIntegration(id string) *slog.Logger {
	Get()
	return integrationLogger.With(slog.String("integration_id", id))
}

// ForTransport returns a logger for ledger and network collaborators.
func ForTransport(name string) *slog.Logger {
	Get()
	return transportLogger.With(slog.String("transport", name))
}
