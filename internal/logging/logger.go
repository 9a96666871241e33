// Package logging provides structured logging for the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger wraps zerolog with format-specific behavior.
type Logger struct {
	zlog   zerolog.Logger
	format string
	output io.Writer // current primary writer, before format wrapping
	extra  io.Writer // optional secondary JSON sink (log file)
	ctx    []func(zerolog.Context) zerolog.Context
}

// Options configures NewLogger.
type Options struct {
	// Format is FormatConsole (default) or FormatJSON.
	Format string
	// Output defaults to os.Stdout. Stderr is reserved for progress bars.
	Output io.Writer
	// File, when set, receives a JSON copy of every log line.
	File io.Writer
}

// NewLogger creates a new logger.
func NewLogger(opts Options) *Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Format == "" {
		opts.Format = FormatConsole
	}
	l := &Logger{format: opts.Format, extra: opts.File}
	l.SetOutput(opts.Output)
	return l
}

// NewDefaultCLILogger creates a console logger writing to stdout.
func NewDefaultCLILogger() *Logger {
	return NewLogger(Options{})
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop(), format: FormatJSON, output: io.Discard}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// With creates a child context on the underlying zerolog logger.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// WithStr returns a copy of the logger that adds key=value to every line.
// The field survives later SetOutput calls on the copy.
func (l *Logger) WithStr(key, value string) *Logger {
	child := &Logger{
		format: l.format,
		output: l.output,
		extra:  l.extra,
		ctx:    append(append([]func(zerolog.Context) zerolog.Context{}, l.ctx...), func(c zerolog.Context) zerolog.Context { return c.Str(key, value) }),
	}
	child.rebuild()
	return child
}

// SetOutput changes the output writer for the logger.
// This is useful for redirecting logs through progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.rebuild()
}

func (l *Logger) rebuild() {
	var primary io.Writer = l.output
	if l.format != FormatJSON {
		primary = zerolog.ConsoleWriter{
			Out:        l.output,
			TimeFormat: "15:04:05",
		}
	}

	w := primary
	if l.extra != nil {
		w = zerolog.MultiLevelWriter(primary, l.extra)
	}

	c := zerolog.New(w).With().Timestamp()
	for _, fn := range l.ctx {
		c = fn(c)
	}
	l.zlog = c.Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Zerolog exposes the underlying logger for libraries that accept one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a configuration string to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Configure global logger
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
