// Copyright The VRAM Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message and panics with the same.
	Panic(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for the logger.
	DebugEnabled() bool
	// EnableDebug enables/disables debug messages for the logger.
	EnableDebug(bool) bool
	// Source returns the source of the logger.
	Source() string
}

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// DefaultLevel is the default logging severity level.
const DefaultLevel = LevelInfo

// logging encapsulates the full runtime state of logging.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	loggers map[string]logger
	maxLen  int
	aligned map[string]string
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var log = &logging{
	level:   DefaultLevel,
	dbgmap:  make(srcmap),
	loggers: make(map[string]logger),
	aligned: make(map[string]string),
}

// Get returns the named Logger.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger creates the named logger. It is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return Get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given source.
func EnableDebug(source string) bool {
	return log.setDebug(source, true)
}

// DisableDebug disables debug messages for the given source.
func DisableDebug(source string) bool {
	return log.setDebug(source, false)
}

func (l *logging) get(source string) logger {
	lg, ok := l.loggers[source]
	if !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
		if len(source) > l.maxLen {
			l.maxLen = len(source)
			l.aligned = make(map[string]string)
		}
	}
	return lg
}

func (l *logging) setDebug(source string, enabled bool) bool {
	l.Lock()
	defer l.Unlock()
	prev := l.dbgmap[source]
	l.dbgmap[source] = enabled
	return prev
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) debugging(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	return l.dbgmap["*"]
}

// prefix returns the aligned message prefix for the source.
func (l *logging) prefix(source string) string {
	l.Lock()
	defer l.Unlock()
	p, ok := l.aligned[source]
	if !ok {
		p = fmt.Sprintf("%*s: ", l.maxLen, "["+source+"]")
		l.aligned[source] = p
	}
	return p
}

func (l logger) Debug(format string, args ...interface{}) {
	if !log.debugging(l.source) {
		return
	}
	klog.InfoDepth(1, log.prefix(l.source)+fmt.Sprintf(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, log.prefix(l.source)+fmt.Sprintf(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, log.prefix(l.source)+fmt.Sprintf(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.prefix(l.source)+fmt.Sprintf(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, log.prefix(l.source)+fmt.Sprintf(format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.prefix(l.source) + fmt.Sprintf(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) DebugEnabled() bool {
	return log.debugging(l.source)
}

func (l logger) EnableDebug(enabled bool) bool {
	return log.setDebug(l.source, enabled)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("log: "+format, args...)
}
