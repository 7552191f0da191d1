package utils

import (
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger zerolog.Logger

// InitLogger configures the global logger to write JSON lines to a rotating
// file. An unknown level falls back to info.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	writer := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logger = zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
}

// SetLogLevel changes the level of the already-initialized logger.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
}

// SetLoggerForTest replaces the global logger. Only tests should call this.
func SetLoggerForTest(l zerolog.Logger) {
	logger = l
}

// fields attaches alternating key/value pairs to an event. A trailing key
// without a value is attached with a nil value rather than dropped.
func fields(ev *zerolog.Event, kv ...interface{}) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(kv) {
			ev = ev.Interface(key, kv[i+1])
		} else {
			ev = ev.Interface(key, nil)
		}
	}
	return ev
}

// Debug logs a debug message with alternating key/value pairs.
func Debug(msg string, kv ...interface{}) {
	fields(logger.Debug(), kv...).Msg(msg)
}

// Info logs an informational message with alternating key/value pairs.
func Info(msg string, kv ...interface{}) {
	fields(logger.Info(), kv...).Msg(msg)
}

// Warn logs a warning with alternating key/value pairs.
func Warn(msg string, kv ...interface{}) {
	fields(logger.Warn(), kv...).Msg(msg)
}

// Error logs an error with alternating key/value pairs.
func Error(msg string, kv ...interface{}) {
	fields(logger.Error(), kv...).Msg(msg)
}
