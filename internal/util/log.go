package util

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

// ErrLogLevel is returned for a level name pterm does not know.
var ErrLogLevel = errors.New("util: unknown log level")

var logLevels = map[string]pterm.LogLevel{
	"trace": pterm.LogLevelTrace,
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

// ParseLogLevel maps "trace", "debug", "info", "warn" or "error" to a pterm
// level. Case and surrounding blanks are ignored.
func ParseLogLevel(name string) (pterm.LogLevel, error) {
	l, ok := logLevels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Wrapf(ErrLogLevel, "%q", name)
	}
	return l, nil
}

// SetLogLevel sets the lowest level that reaches stderr.
func SetLogLevel(name string) error {
	l, err := ParseLogLevel(name)
	if err != nil {
		return err
	}
	pterm.DefaultLogger.Level = l
	return nil
}

// logf formats only when the line will actually be printed; socket loops log
// per packet and most runs keep debug off.
func logf(level pterm.LogLevel, format string, args []interface{}) {
	l := pterm.DefaultLogger
	if !l.CanPrint(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

func LogDebug(format string, args ...interface{})   { logf(pterm.LogLevelDebug, format, args) }
func LogInfo(format string, args ...interface{})    { logf(pterm.LogLevelInfo, format, args) }
func LogWarning(format string, args ...interface{}) { logf(pterm.LogLevelWarn, format, args) }
func LogError(format string, args ...interface{})   { logf(pterm.LogLevelError, format, args) }

// LogSocket logs a debug line carrying key/value pairs that identify a
// socket, e.g. LogSocket("connected", "tag", 3, "fd", 9).
func LogSocket(msg string, kv ...interface{}) {
	l := pterm.DefaultLogger
	if !l.CanPrint(pterm.LogLevelDebug) {
		return
	}
	l.Debug(msg, l.Args(kv...))
}
