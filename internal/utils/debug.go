package utils

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger  = newLogger()
	logMu   sync.Mutex
	logFile *os.File
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})
	return l
}

// Logger exposes the shared logger for callers that want structured fields.
func Logger() *logrus.Logger {
	return logger
}

// SetLogOutput redirects log output. Passing nil discards it.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	if w == nil {
		w = io.Discard
	}
	logger.SetOutput(w)
}

// OpenLogFile appends log output to dir/debug.log.
func OpenLogFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logger.SetOutput(f)
	return nil
}

// CloseLogFile closes a file opened by OpenLogFile.
func CloseLogFile() {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	logger.SetOutput(io.Discard)
}

// SetLogLevel parses level ("debug", "info", "warn", "error"); unknown levels fall back to info.
func SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

// Debug writes a debug message
func Debug(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Info writes an informational message
func Info(format string, args ...any) {
	logger.Infof(format, args...)
}

// Warn writes a warning
func Warn(format string, args ...any) {
	logger.Warnf(format, args...)
}

// Error writes an error
func Error(format string, args ...any) {
	logger.Errorf(format, args...)
}
