package logutil

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	logger  = log.NewWithOptions(os.Stderr, log.Options{Prefix: "xpost", ReportTimestamp: true, Level: log.InfoLevel})
	verbose bool
	mu      sync.RWMutex
)

// Config controls the global logger.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// Init reconfigures the global logger. Unknown levels fall back to info and
// any format other than "json" uses the text formatter.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		formatter = log.JSONFormatter
	}

	logger = log.NewWithOptions(out, log.Options{
		Prefix:          "xpost",
		ReportTimestamp: true,
		Level:           level,
		Formatter:       formatter,
	})
	verbose = level <= log.DebugLevel
}

// SetVerbose adjusts the global logging level.
func SetVerbose(enable bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = enable
	if enable {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}

// Verbose reports whether verbose logging is enabled.
func Verbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// With returns a child logger carrying the given key/value pairs.
func With(keyvals ...any) *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.With(keyvals...)
}

func current() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs a debug message when verbose logging is enabled.
func Debugf(format string, args ...any) {
	current().Debugf(format, args...)
}

// Infof logs an informational message.
func Infof(format string, args ...any) {
	current().Infof(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...any) {
	current().Warnf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...any) {
	current().Errorf(format, args...)
}
