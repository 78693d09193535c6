package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger installs a console logger on stderr at INFO unless Init has
// already been called.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		logger = newLogger(Config{Level: LevelInfo})
	})
}

// Init replaces the global logger.
func Init(cfg Config) {
	loggerOnce.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var l zerolog.Logger
	if cfg.JSONOutput {
		l = zerolog.New(out).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return l.Level(toZerolog(cfg.Level))
}

// ParseLevel maps a config string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(toZerolog(l))
}

// Logger returns the current global logger.
func Logger() zerolog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

func Debug(msg string, kv ...any) {
	l := Logger()
	withKVs(l.Debug(), kv).Msg(msg)
}

func Info(msg string, kv ...any) {
	l := Logger()
	withKVs(l.Info(), kv).Msg(msg)
}

func Warn(msg string, kv ...any) {
	l := Logger()
	withKVs(l.Warn(), kv).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	l := Logger()
	withKVs(l.Error().Err(err), kv).Msg(msg)
}

// withKVs expects kv as pairs: key, value, key, value, ...
// Non-string keys are skipped; a trailing odd value is ignored.
func withKVs(e *zerolog.Event, kv []any) *zerolog.Event {
	if e == nil {
		return e
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
