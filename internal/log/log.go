package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write JSON lines to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		logger = zerolog.New(os.Stderr).
			Level(zerolog.InfoLevel).
			With().
			Timestamp().
			Str("service", "prayersync").
			Logger()
	})
}

// SetLevel changes the minimum level. Unknown values leave the level unchanged.
func SetLevel(l Level) {
	initLogger()
	zl, ok := toZerolog(l)
	if !ok {
		return
	}
	mu.Lock()
	logger = logger.Level(zl)
	mu.Unlock()
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := toZerolog(l); !ok {
		return "", false
	}
	return l, true
}

// SetOutput redirects log output; used by tests to capture lines.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	logger = logger.Output(w)
	mu.Unlock()
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, nil, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, nil, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, nil, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(LevelError, err, msg, kv...)
}

func logWithLevel(level Level, err error, msg string, kv ...any) {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.Debug()
	case LevelWarn:
		ev = l.Warn()
	case LevelError:
		ev = l.Error()
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = appendField(ev, key, kv[i+1])
	}
	ev.Msg(msg)
}

func appendField(ev *zerolog.Event, key string, val any) *zerolog.Event {
	switch v := val.(type) {
	case string:
		return ev.Str(key, v)
	case int:
		return ev.Int(key, v)
	case int64:
		return ev.Int64(key, v)
	case float64:
		return ev.Float64(key, v)
	case bool:
		return ev.Bool(key, v)
	case time.Duration:
		return ev.Dur(key, v)
	case time.Time:
		return ev.Time(key, v)
	case error:
		return ev.AnErr(key, v)
	case fmt.Stringer:
		return ev.Stringer(key, v)
	default:
		return ev.Interface(key, v)
	}
}

func toZerolog(l Level) (zerolog.Level, bool) {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel, true
	case LevelInfo:
		return zerolog.InfoLevel, true
	case LevelWarn:
		return zerolog.WarnLevel, true
	case LevelError:
		return zerolog.ErrorLevel, true
	default:
		return zerolog.NoLevel, false
	}
}

// CronLogger adapts the package logger to robfig/cron's Logger interface.
type CronLogger struct{}

func (CronLogger) Info(msg string, keysAndValues ...any) {
	Debug("cron: "+msg, keysAndValues...)
}

func (CronLogger) Error(err error, msg string, keysAndValues ...any) {
	Error("cron: "+msg, err, keysAndValues...)
}
