package logger

import (
	"log"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// Component is a coarse tag for which part of the engine emitted a line. It
// plays the role the teacher's chain prefix plays, except this engine only
// ever talks to one chain (Arbitrum), so the thing worth tagging is which
// component is speaking, not which chain.
type Component int

const (
	None Component = iota
	Scheduler
	Pipeline
	Custody
	Executor
	Vault
	Store
	ChainClient
	QuoteClient
)

var prefixes = map[Component]string{
	None:        "",
	Scheduler:   "[SCHEDULER] ",
	Pipeline:    "[PIPELINE]  ",
	Custody:     "[CUSTODY]   ",
	Executor:    "[EXECUTOR]  ",
	Vault:       "[VAULT]     ",
	Store:       "[STORE]     ",
	ChainClient: "[CHAIN]     ",
	QuoteClient: "[QUOTE]     ",
}

var colors = map[Component]color.Attribute{
	None:        color.FgWhite,
	Scheduler:   color.FgHiBlue,
	Pipeline:    color.FgHiCyan,
	Custody:     color.FgYellow,
	Executor:    color.FgHiGreen,
	Vault:       color.FgMagenta,
	Store:       color.FgBlue,
	ChainClient: color.FgHiMagenta,
	QuoteClient: color.FgHiYellow,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	Info(format string, args ...interface{})
	InfoWithComponent(c Component, format string, args ...interface{})

	Error(format string, args ...interface{})
	ErrorWithComponent(c Component, format string, args ...interface{})

	Debug(format string, args ...interface{})
	DebugWithComponent(c Component, format string, args ...interface{})

	Notice(format string, args ...interface{})
	NoticeWithComponent(c Component, format string, args ...interface{})
}

// EmptyLogger is a no-op implementation of Logger, used in tests.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                               {}
func (l *EmptyLogger) InfoWithComponent(_ Component, _ string, _ ...interface{})     {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                              {}
func (l *EmptyLogger) ErrorWithComponent(_ Component, _ string, _ ...interface{})    {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                              {}
func (l *EmptyLogger) DebugWithComponent(_ Component, _ string, _ ...interface{})    {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                             {}
func (l *EmptyLogger) NoticeWithComponent(_ Component, _ string, _ ...interface{})   {}

// StdLogger logs to the standard logger, with optional ANSI coloring and a
// minimum level below which messages are dropped.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

func (l *StdLogger) formatMessage(level Level, c Component, format string) string {
	prefix := prefixes[c]
	if l.enableColoring {
		prefix = color.New(colors[c]).Sprint(prefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + prefix + format
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.InfoWithComponent(None, format, args...)
}

func (l *StdLogger) InfoWithComponent(c Component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= InfoLevel {
		log.Printf(l.formatMessage(InfoLevel, c, format), args...)
	}
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.ErrorWithComponent(None, format, args...)
}

func (l *StdLogger) ErrorWithComponent(c Component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= ErrorLevel {
		log.Printf(l.formatMessage(ErrorLevel, c, format), args...)
	}
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.DebugWithComponent(None, format, args...)
}

func (l *StdLogger) DebugWithComponent(c Component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= DebugLevel {
		log.Printf(l.formatMessage(DebugLevel, c, format), args...)
	}
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.NoticeWithComponent(None, format, args...)
}

func (l *StdLogger) NoticeWithComponent(c Component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= NoticeLevel {
		log.Printf(l.formatMessage(NoticeLevel, c, format), args...)
	}
}
