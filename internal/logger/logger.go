// Package logger provides leveled structured logging.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config string to a Level. Unknown strings yield InfoLevel
// and false.
func ParseLevel(level string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	default:
		return InfoLevel, false
	}
}

// Logger provides leveled logging. A Logger returned by With shares the
// output and level of the default logger at the time With was called.
type Logger struct {
	level  Level
	logger *log.Logger
	json   bool
	prefix string
}

type jsonEntry struct {
	Time   string `json:"time"`
	Level  string `json:"level"`
	Prefix string `json:"component,omitempty"`
	Msg    string `json:"msg"`
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	l, _ := ParseLevel(level)
	isJSON := strings.ToLower(format) == "json"

	flags := log.LstdFlags | log.Lmicroseconds
	if isJSON {
		flags = 0
	} else if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  l,
		logger: log.New(os.Stderr, "", flags),
		json:   isJSON,
	}
}

// SetOutput redirects the default logger. Init must have been called.
func SetOutput(w io.Writer) {
	if defaultLogger != nil {
		defaultLogger.logger.SetOutput(w)
	}
}

// With returns a logger that tags every entry with prefix.
func With(prefix string) *Logger {
	if defaultLogger == nil {
		return &Logger{prefix: prefix}
	}
	l := *defaultLogger
	if l.prefix != "" {
		prefix = l.prefix + "/" + prefix
	}
	l.prefix = prefix
	return &l
}

func (l *Logger) output(lvl Level, format string, args []interface{}) {
	if l == nil || l.logger == nil || l.level > lvl {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.json {
		b, err := json.Marshal(jsonEntry{
			Time:   time.Now().UTC().Format(time.RFC3339Nano),
			Level:  strings.ToLower(lvl.String()),
			Prefix: l.prefix,
			Msg:    msg,
		})
		if err == nil {
			_ = l.logger.Output(3, string(b))
			return
		}
	}
	if l.prefix != "" {
		msg = "[" + l.prefix + "] " + msg
	}
	_ = l.logger.Output(3, "["+lvl.String()+"] "+msg)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.output(DebugLevel, format, args) }
func (l *Logger) Info(format string, args ...interface{})  { l.output(InfoLevel, format, args) }
func (l *Logger) Warn(format string, args ...interface{})  { l.output(WarnLevel, format, args) }
func (l *Logger) Error(format string, args ...interface{}) { l.output(ErrorLevel, format, args) }

func Debug(format string, args ...interface{}) {
	defaultLogger.output(DebugLevel, format, args)
}

func Info(format string, args ...interface{}) {
	defaultLogger.output(InfoLevel, format, args)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.output(WarnLevel, format, args)
}

func Error(format string, args ...interface{}) {
	defaultLogger.output(ErrorLevel, format, args)
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	if defaultLogger != nil {
		_ = defaultLogger.logger.Output(2, msg)
	}
	os.Exit(1)
}
