package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/hardplace/pkg/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeFormat = "2006-01-02 15:04:05.000"

// String returns string representation of log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes component-tagged lines to the console and a rotating
// file. The level can be changed while other goroutines are logging
// (console HPDE command).
type Logger struct {
	level        atomic.Int32
	base         LogLevel
	structured   bool
	mu           sync.Mutex
	out          io.Writer
	rotatingFile *lumberjack.Logger
}

// NewLogger creates a new logger from configuration
func NewLogger(cfg *config.Config) (*Logger, error) {
	logger := &Logger{
		base:       ParseLogLevel(cfg.Logging.Level),
		structured: cfg.Logging.Structured,
	}
	logger.level.Store(int32(logger.base))

	var outputs []io.Writer
	if cfg.Logging.File != "" {
		logDir := filepath.Dir(cfg.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logger.rotatingFile = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSize,    // megabytes
			MaxBackups: cfg.Logging.MaxBackups, // number of backups
			MaxAge:     cfg.Logging.MaxAge,     // days
			Compress:   cfg.Logging.Compress,
		}
		outputs = append(outputs, logger.rotatingFile)
	}

	// console when asked for, or when nothing else would see the log
	if cfg.Logging.Console || len(outputs) == 0 {
		outputs = append(outputs, os.Stdout)
	}
	logger.out = io.MultiWriter(outputs...)

	return logger, nil
}

func consoleLogger() *Logger {
	l := &Logger{base: LevelInfo, out: os.Stdout}
	l.level.Store(int32(LevelInfo))
	return l
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.rotatingFile != nil {
		return l.rotatingFile.Close()
	}
	return nil
}

// SetLevel changes the active level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// Level returns the active level
func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// SetDebug switches between DEBUG and the configured level
func (l *Logger) SetDebug(enable bool) {
	if enable {
		l.SetLevel(LevelDebug)
	} else {
		l.SetLevel(l.base)
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return level >= l.Level()
}

type entry struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// formatMessage renders one line, JSON when structured. Fields print in
// key order.
func (l *Logger) formatMessage(level LogLevel, component, message string, fields map[string]interface{}) string {
	timestamp := time.Now().Format(timeFormat)

	if l.structured {
		data, err := json.Marshal(entry{
			Time:      timestamp,
			Level:     level.String(),
			Component: component,
			Message:   message,
			Fields:    fields,
		})
		if err == nil {
			return string(data)
		}
	}

	line := fmt.Sprintf("%s [%s] %s: %s", timestamp, level.String(), component, message)
	if len(fields) == 0 {
		return line
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return line + " [" + strings.Join(parts, " ") + "]"
}

func (l *Logger) log(level LogLevel, component, message string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}
	line := l.formatMessage(level, component, message, fields) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(component, message string, fields ...map[string]interface{}) {
	l.log(LevelDebug, component, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(component, message string, fields ...map[string]interface{}) {
	l.log(LevelInfo, component, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(component, message string, fields ...map[string]interface{}) {
	l.log(LevelWarn, component, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(component, message string, fields ...map[string]interface{}) {
	l.log(LevelError, component, message, first(fields))
}

// Debugf logs a formatted debug message. The arguments are not formatted
// when DEBUG is off.
func (l *Logger) Debugf(component, format string, args ...interface{}) {
	if l.shouldLog(LevelDebug) {
		l.log(LevelDebug, component, fmt.Sprintf(format, args...), nil)
	}
}

// Infof logs a formatted info message
func (l *Logger) Infof(component, format string, args ...interface{}) {
	l.log(LevelInfo, component, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(component, format string, args ...interface{}) {
	l.log(LevelWarn, component, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(component, format string, args ...interface{}) {
	l.log(LevelError, component, fmt.Sprintf(format, args...), nil)
}

// Writer returns an io.Writer that logs each written line at INFO under
// component. Used to route the web framework's request log.
func (l *Logger) Writer(component string) io.Writer {
	return &lineWriter{logger: l, component: component}
}

type lineWriter struct {
	logger    *Logger
	component string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.log(LevelInfo, w.component, strings.TrimSpace(line), nil)
		}
	}
	return len(p), nil
}

var (
	global        atomic.Pointer[Logger]
	fallbackOnce  sync.Once
	fallbackValue *Logger
)

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg *config.Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// GetGlobalLogger returns the global logger, an INFO console logger until
// InitGlobalLogger runs
func GetGlobalLogger() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	fallbackOnce.Do(func() { fallbackValue = consoleLogger() })
	return fallbackValue
}

// CloseGlobalLogger closes the global logger
func CloseGlobalLogger() error {
	if l := global.Load(); l != nil {
		return l.Close()
	}
	return nil
}

// SetDebug toggles DEBUG on the global logger
func SetDebug(enable bool) {
	GetGlobalLogger().SetDebug(enable)
}

// Convenience functions for global logger
func Debug(component, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().Debug(component, message, fields...)
}

func Info(component, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().Info(component, message, fields...)
}

func Warn(component, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().Warn(component, message, fields...)
}

func Error(component, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().Error(component, message, fields...)
}

func Debugf(component, format string, args ...interface{}) {
	GetGlobalLogger().Debugf(component, format, args...)
}

func Infof(component, format string, args ...interface{}) {
	GetGlobalLogger().Infof(component, format, args...)
}

func Warnf(component, format string, args ...interface{}) {
	GetGlobalLogger().Warnf(component, format, args...)
}

func Errorf(component, format string, args ...interface{}) {
	GetGlobalLogger().Errorf(component, format, args...)
}
