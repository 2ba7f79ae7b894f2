package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(io.Discard)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger with the given level name ("debug", "info",
// "warning", "error").
func Init(level string, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(ParseLevel(level))
}

// ParseLevel maps a configuration level name to a LogLevel, defaulting to
// InfoLevel for unknown names.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warning", "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{withCode(log.Error(), err)}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{withCode(log.Fatal(), err)}
}

func withCode(e *zerolog.Event, err errors.Error) *zerolog.Event {
	return e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())
}

// component is a Logger bound to a component name. It resolves the global
// logger lazily so components built before Init still log once it runs.
type component struct {
	name string
}

// New returns a Logger that tags every event with the component name.
func New(name string) Logger {
	return component{name: name}
}

func (c component) base() zerolog.Logger {
	return log.With().Str("component", c.name).Logger()
}

func (c component) Debug() *LogEvent {
	l := c.base()
	return &LogEvent{l.Debug()}
}

func (c component) Info() *LogEvent {
	l := c.base()
	return &LogEvent{l.Info()}
}

func (c component) Warn() *LogEvent {
	l := c.base()
	return &LogEvent{l.Warn()}
}

func (c component) Error() *LogEvent {
	l := c.base()
	return &LogEvent{l.Error()}
}

func (c component) ErrorWithCode(err errors.Error) *LogEvent {
	l := c.base()
	return &LogEvent{withCode(l.Error(), err)}
}

func (c component) With(name string) Logger {
	return component{name: c.name + "." + name}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

type nop struct{}

var discard = zerolog.Nop()

func (nop) Debug() *LogEvent                       { return &LogEvent{discard.Debug()} }
func (nop) Info() *LogEvent                        { return &LogEvent{discard.Info()} }
func (nop) Warn() *LogEvent                        { return &LogEvent{discard.Warn()} }
func (nop) Error() *LogEvent                       { return &LogEvent{discard.Error()} }
func (nop) ErrorWithCode(_ errors.Error) *LogEvent { return &LogEvent{discard.Error()} }
func (n nop) With(_ string) Logger                 { return n }
