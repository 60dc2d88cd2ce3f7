// Package logger holds the process-wide zerolog logger and the level
// conventions shared by every banana command.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var zeroLevels = map[LogLevel]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel maps a user supplied level name to a LogLevel, falling back to info.
func ParseLevel(s string) LogLevel {
	name := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if name == "warning" {
		return LevelWarn
	}
	if _, ok := zeroLevels[name]; ok {
		return name
	}
	return LevelInfo
}

func (l LogLevel) zerolog() zerolog.Level {
	if z, ok := zeroLevels[l]; ok {
		return z
	}
	return zerolog.InfoLevel
}

// Configure points the logger at stderr. Dev mode switches from JSON lines
// to the human-readable console format.
func Configure(level LogLevel, isDev bool) {
	ConfigureWriter(level, isDev, os.Stderr)
}

func ConfigureWriter(level LogLevel, isDev bool, out io.Writer) {
	zerolog.SetGlobalLevel(level.zerolog())
	if isDev {
		out = consoleWriter(out)
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = Logger
}

// consoleWriter only colours output that ends up on a terminal.
func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly, NoColor: !color}
}

// GetLogLevelFromEnv reads BANANA_DEBUG, then DEBUG. An explicit true or
// false wins; otherwise dev mode means debug.
func GetLogLevelFromEnv(isDev bool) LogLevel {
	v := os.Getenv("BANANA_DEBUG")
	if v == "" {
		v = os.Getenv("DEBUG")
	}
	switch strings.ToLower(v) {
	case "true", "1":
		return LevelDebug
	case "false", "0":
		return LevelInfo
	}
	if isDev {
		return LevelDebug
	}
	return LevelInfo
}

func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }
func Infof(format string, args ...interface{})  { Logger.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { Logger.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger.Error().Msgf(format, args...) }
func Info(msg string)                           { Logger.Info().Msg(msg) }

// WithFields returns a child logger carrying fields on every entry.
func WithFields(fields map[string]interface{}) *zerolog.Logger {
	l := Logger.With().Fields(fields).Logger()
	return &l
}
