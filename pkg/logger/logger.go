// Package logger provides component-scoped leveled logging for the bridge.
// It keeps a flat InfoC/InfoCF-style call surface and delegates to zerolog,
// with optional lumberjack file rotation configured at startup.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int8

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Config controls the logging backend. Zero value logs INFO and above to
// stdout only.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // rotated log file path, empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu       sync.RWMutex
	override *zerolog.Level
	root     = zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger()
)

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.MessageFieldName,
		},
	}
}

// Init reconfigures the global logger. Safe to call once at startup before
// the component goroutines are running.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if override != nil {
		level = *override
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{consoleWriter(os.Stdout)}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

// SetLevel overrides the minimum level, e.g. from a --debug flag. The
// override outranks the configured level and survives a later Init.
func SetLevel(level Level) {
	var zl zerolog.Level
	switch level {
	case DEBUG:
		zl = zerolog.DebugLevel
	case INFO:
		zl = zerolog.InfoLevel
	case WARN:
		zl = zerolog.WarnLevel
	case ERROR:
		zl = zerolog.ErrorLevel
	default:
		return
	}

	mu.Lock()
	override = &zl
	mu.Unlock()
	zerolog.SetGlobalLevel(zl)
}

func event(e *zerolog.Event, component, msg string, fields map[string]interface{}) {
	e = e.Str("component", component)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func DebugC(component, msg string) {
	l := logger()
	event(l.Debug(), component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	event(l.Debug(), component, msg, fields)
}

func InfoC(component, msg string) {
	l := logger()
	event(l.Info(), component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	event(l.Info(), component, msg, fields)
}

func WarnC(component, msg string) {
	l := logger()
	event(l.Warn(), component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	event(l.Warn(), component, msg, fields)
}

func ErrorC(component, msg string) {
	l := logger()
	event(l.Error(), component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	event(l.Error(), component, msg, fields)
}
