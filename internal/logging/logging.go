// Package logging is a levelled wrapper around the standard logger with an
// optional rotating log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log severities
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps debug, info, warn and error to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var (
	level  atomic.Int32
	logger = log.New(os.Stderr, "", log.LstdFlags)
	closer io.Closer
)

func init() {
	level.Store(int32(LevelInfo))
}

// Init sets the level and, when file is non-empty, tees output into a
// rotating log file. Call Close on shutdown.
func Init(lvl, file string) error {
	l, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	SetLevel(l)

	if file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	SetOutput(io.MultiWriter(os.Stderr, rotating))
	closer = rotating
	return nil
}

// Close flushes and closes the log file, if any
func Close() error {
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	SetOutput(os.Stderr)
	return err
}

// SetLevel changes the minimum level that is written
func SetLevel(l Level) { level.Store(int32(l)) }

// GetLevel returns the current minimum level
func GetLevel() Level { return Level(level.Load()) }

// SetOutput redirects log output
func SetOutput(w io.Writer) { logger.SetOutput(w) }

func output(l Level, format string, v ...interface{}) {
	if l < GetLevel() {
		return
	}
	logger.Output(3, "["+l.String()+"] "+fmt.Sprintf(format, v...))
}

// Debugf logs at debug level
func Debugf(format string, v ...interface{}) { output(LevelDebug, format, v...) }

// Infof logs at info level
func Infof(format string, v ...interface{}) { output(LevelInfo, format, v...) }

// Warnf logs at warn level
func Warnf(format string, v ...interface{}) { output(LevelWarn, format, v...) }

// Errorf logs at error level
func Errorf(format string, v ...interface{}) { output(LevelError, format, v...) }
