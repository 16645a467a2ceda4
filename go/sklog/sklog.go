// Package sklog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout this repo. By default logs go to stderr in a glog-like format;
// the implementation can be replaced, e.g. for tests.
package sklog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	DebugSeverity Severity = iota
	InfoSeverity
	WarningSeverity
	ErrorSeverity
	FatalSeverity
)

func (s Severity) String() string {
	switch s {
	case DebugSeverity:
		return "D"
	case InfoSeverity:
		return "I"
	case WarningSeverity:
		return "W"
	case ErrorSeverity:
		return "E"
	case FatalSeverity:
		return "F"
	}
	return "?"
}

// Logger emits a single formatted log line.
type Logger interface {
	Log(severity Severity, msg string)
	Flush()
}

var (
	mtx    sync.Mutex
	logger Logger = stderrLogger{}
)

// SetLogger replaces the logging implementation. Intended for tests.
func SetLogger(l Logger) {
	mtx.Lock()
	defer mtx.Unlock()
	logger = l
}

func getLogger() Logger {
	mtx.Lock()
	defer mtx.Unlock()
	return logger
}

// stderrLogger writes glog-style lines to stderr.
type stderrLogger struct{}

func (stderrLogger) Log(severity Severity, msg string) {
	ts := time.Now().Format("0102 15:04:05.000000")
	fmt.Fprintf(os.Stderr, "%s%s %s\n", severity.String(), ts, msg)
}

func (stderrLogger) Flush() {
	_ = os.Stderr.Sync()
}

func log(severity Severity, format string, v ...interface{}) {
	var msg string
	if format == "" {
		msg = fmt.Sprint(v...)
	} else {
		msg = fmt.Sprintf(format, v...)
	}
	getLogger().Log(severity, msg)
	if severity == FatalSeverity {
		Flush()
		os.Exit(255)
	}
}

// Functions to log at various levels. Debug, Info, Warning, Error, and Fatal
// use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf.

func Debug(msg ...interface{}) {
	log(DebugSeverity, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	log(DebugSeverity, format, v...)
}

func Info(msg ...interface{}) {
	log(InfoSeverity, "", msg...)
}

func Infof(format string, v ...interface{}) {
	log(InfoSeverity, format, v...)
}

func Warning(msg ...interface{}) {
	log(WarningSeverity, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	log(WarningSeverity, format, v...)
}

func Error(msg ...interface{}) {
	log(ErrorSeverity, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	log(ErrorSeverity, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	log(FatalSeverity, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	log(FatalSeverity, format, v...)
}

func Flush() {
	getLogger().Flush()
}
