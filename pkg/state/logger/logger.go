package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	Log *zerolog.Logger
)

// Init installs the process logger. format is "json" or "console".
func Init(level, format string) {
	InitWriter(level, format, os.Stdout)
}

// InitWriter is Init with an explicit sink, used by tests and tools.
func InitWriter(level, format string, w io.Writer) {
	var lvl zerolog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()

	mu.Lock()
	Log = &l
	mu.Unlock()
}

// Sync flushes nothing today; zerolog writes synchronously. Kept so callers
// can defer it regardless of backend.
func Sync() {}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Log
}

func emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "<missing>")
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!badkey"
		}
		if err, ok := args[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}

func Debug(msg string, args ...any) {
	if l := current(); l != nil {
		emit(l.Debug(), msg, args)
	}
}

func Info(msg string, args ...any) {
	if l := current(); l != nil {
		emit(l.Info(), msg, args)
	}
}

func Warn(msg string, args ...any) {
	if l := current(); l != nil {
		emit(l.Warn(), msg, args)
	}
}

func Error(msg string, args ...any) {
	if l := current(); l != nil {
		emit(l.Error(), msg, args)
	}
}
