// Package dlog is a small leveled logger in the style of go-ethereum's
// logger/glog: callers gate expensive log construction behind V(level)
// and every component shares one package-level verbosity setting.
package dlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a logging verbosity level. Higher is more verbose.
type Level int32

const (
	Error Level = iota
	Warn
	Info
	Debug
	Detail
)

var levelNames = map[Level]string{
	Error:  "ERRO",
	Warn:   "WARN",
	Info:   "INFO",
	Debug:  "DEBG",
	Detail: "DTL ",
}

var levelColors = map[Level]string{
	Error:  "\x1b[31m",
	Warn:   "\x1b[33m",
	Info:   "\x1b[36m",
	Debug:  "\x1b[90m",
	Detail: "\x1b[90m",
}

const resetColor = "\x1b[0m"

var (
	verbosity int32 = int32(Info)

	mu       sync.Mutex
	out      io.Writer = colorable.NewColorable(os.Stderr)
	colorize           = isatty.IsTerminal(os.Stderr.Fd())
)

// SetVerbosity sets the process-wide log verbosity level.
func SetVerbosity(level Level) {
	atomic.StoreInt32(&verbosity, int32(level))
}

// GetVerbosity returns the process-wide verbosity level as a
// flag.Value, so a command can wire it up with
// flag.Var(dlog.GetVerbosity(), "verbosity", ...).
func GetVerbosity() *Level {
	return (*Level)(&verbosity)
}

// String is part of the flag.Value interface.
func (l *Level) String() string {
	return strconv.FormatInt(int64(atomic.LoadInt32((*int32)(l))), 10)
}

// Set is part of the flag.Value interface.
func (l *Level) Set(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	atomic.StoreInt32((*int32)(l), int32(v))
	return nil
}

// SetOutput redirects log output, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	colorize = false
}

// V reports a Verbose, usable as `dlog.V(dlog.Debug).Infof(...)`. The
// message is only formatted and written when level is at or below the
// current process verbosity.
func V(level Level) Verbose {
	return Verbose(level <= Level(atomic.LoadInt32(&verbosity)))
}

// Verbose is the boolean type returned by V.
type Verbose bool

func (v Verbose) Infof(format string, args ...interface{})  { v.logf(Info, format, args) }
func (v Verbose) Debugf(format string, args ...interface{}) { v.logf(Debug, format, args) }
func (v Verbose) Warnf(format string, args ...interface{})  { v.logf(Warn, format, args) }
func (v Verbose) Errorf(format string, args ...interface{}) { v.logf(Error, format, args) }

func (v Verbose) logf(level Level, format string, args []interface{}) {
	if !v {
		return
	}
	write(level, format, args)
}

// Infof, Debugf, Warnf and Errorf log unconditionally on their level's
// tag but still respect the process verbosity gate.
func Infof(format string, args ...interface{})  { V(Info).logf(Info, format, args) }
func Debugf(format string, args ...interface{}) { V(Debug).logf(Debug, format, args) }
func Warnf(format string, args ...interface{})  { V(Warn).logf(Warn, format, args) }
func Errorf(format string, args ...interface{}) { V(Error).logf(Error, format, args) }

func write(level Level, format string, args []interface{}) {
	mu.Lock()
	defer mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	tag := levelNames[level]
	line := fmt.Sprintf(format, args...)

	if colorize {
		fmt.Fprintf(out, "%s%s%s[%s] %s\n", levelColors[level], tag, resetColor, ts, line)
	} else {
		fmt.Fprintf(out, "%s[%s] %s\n", tag, ts, line)
	}
}
