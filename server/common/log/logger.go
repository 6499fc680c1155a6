package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
)

type logger struct {
	mu sync.RWMutex
	zl zerolog.Logger
}

var global = newLoggerFromEnv()

func newLoggerFromEnv() *logger {
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}

	var console io.Writer = os.Stdout
	if format == logFormatText {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339Nano}
	}

	writers := []io.Writer{console}
	if path := strings.TrimSpace(os.Getenv(envLogFilePath)); path != "" {
		maxSizeBytes := int64(defaultMaxSizeBytes)
		if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
			if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
				maxSizeBytes = int64(sizeMB) * 1024 * 1024
			}
		}
		writers = append(writers, &rotatingFile{filePath: path, maxSizeBytes: maxSizeBytes})
	}

	lv := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			lv = parsed
		}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lv).With().Timestamp().Logger()
	return &logger{zl: zl}
}

// SetOutput redirects all log lines to w as JSON. Used by the CLI and tests.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.zl = zerolog.New(w).Level(global.zl.GetLevel()).With().Timestamp().Logger()
}

// Disable drops everything below panic level.
func Disable() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.zl = global.zl.Level(zerolog.Disabled)
}

func Debugf(format string, args ...any) {
	global.logf(zerolog.DebugLevel, false, format, args...)
}

func Infof(format string, args ...any) {
	global.logf(zerolog.InfoLevel, false, format, args...)
}

func Warnf(format string, args ...any) {
	global.logf(zerolog.WarnLevel, false, format, args...)
}

func Errorf(format string, args ...any) {
	global.logf(zerolog.ErrorLevel, false, format, args...)
}

func Exceptionf(format string, args ...any) {
	global.logf(zerolog.ErrorLevel, true, format, args...)
}

func (l *logger) logf(lv zerolog.Level, exception bool, format string, args ...any) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	ev := zl.WithLevel(lv)
	if ev == nil {
		return
	}
	ev = ev.Str("caller", callerFuncName(3))
	if exception {
		ev = ev.Bool("exception", true)
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

type rotatingFile struct {
	mu           sync.Mutex
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(); err != nil {
		fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
		return len(p), nil
	}
	if err := r.rotateIfNeeded(int64(len(p))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return len(p), nil
	}
	if _, err := r.file.Write(p); err != nil {
		fmt.Fprintf(os.Stderr, "logger write error: %v\n", err)
	}
	return len(p), nil
}

func (r *rotatingFile) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func (r *rotatingFile) rotateIfNeeded(incomingSize int64) error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incomingSize <= r.maxSizeBytes {
		return nil
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	rotatedPath, err := nextRotatedPath(r.filePath)
	if err != nil {
		return err
	}
	if err := os.Rename(r.filePath, rotatedPath); err != nil {
		return err
	}
	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func nextRotatedPath(currentPath string) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	ts := time.Now().Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, ts, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	fullName := fn.Name()
	parts := strings.Split(fullName, "/")
	return parts[len(parts)-1]
}
