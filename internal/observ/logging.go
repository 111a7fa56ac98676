package observ

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`        // debug | info | warn | error
	FilePath   string `yaml:"file_path"`    // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`  // rotation threshold
	MaxBackups int    `yaml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days"` // prune rotated files older than this
}

var (
	logMu  sync.RWMutex
	logger = newDefaultLogger()
)

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// InitLogging reconfigures the global logger. Safe to call once at startup;
// zero-value config keeps JSON-to-stdout at info level.
func InitLogging(cfg LogConfig) {
	l := newDefaultLogger()

	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}

	if cfg.FilePath != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		l.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}

	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Log emits one structured event line. kv may be nil.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := logrus.Fields{}
	for k, v := range kv {
		fields[k] = v
	}
	l.WithFields(fields).Info(event)
}

// Warn emits a warning-level event.
func Warn(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := logrus.Fields{}
	for k, v := range kv {
		fields[k] = v
	}
	l.WithFields(fields).Warn(event)
}

// Error emits an error-level event with the error message attached.
func Error(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := logrus.Fields{}
	for k, v := range kv {
		fields[k] = v
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.WithFields(fields).Error(event)
}
