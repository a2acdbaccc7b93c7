// Package logx provides leveled, component-tagged logging for the router.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes timestamped lines tagged with a component ID to stderr.
type Logger struct {
	component string
	logger    *log.Logger
}

var (
	debugEnabled bool
	debugOnce    sync.Once
)

// DebugEnabled reports whether debug logging is on (DEBUG=1 or DEBUG=true).
func DebugEnabled() bool {
	debugOnce.Do(func() {
		v := os.Getenv("DEBUG")
		debugEnabled = v == "1" || strings.EqualFold(v, "true")
	})
	return debugEnabled
}

func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}
