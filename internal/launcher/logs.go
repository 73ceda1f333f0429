package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/group"
)

// LogEntry is one line of role output
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Role      string    `json:"role"`
	ProcessID string    `json:"process_id"`
	Message   string    `json:"message"`
}

// LogConfig defines configuration for role log files
type LogConfig struct {
	Dir           string        // Directory to store log files
	MaxFileSize   int64         // Size at which a log file is rotated
	MaxAge        time.Duration // Age at which a log file is deleted
	FlushInterval time.Duration // Interval to flush buffered lines to disk
}

// LogManager keeps one append-only JSON lines file per role
type LogManager struct {
	logger  *zap.Logger
	config  LogConfig
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]LogEntry
	cancel  context.CancelFunc
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	return &LogManager{
		logger:  logger.Named("logs"),
		config:  config,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]LogEntry),
	}, nil
}

// Start starts the flush and rotation loops
func (lm *LogManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting log manager", zap.String("dir", lm.config.Dir))

	ctx, lm.cancel = context.WithCancel(ctx)
	go lm.flushLoop(ctx)
	go lm.rotateLoop(ctx)

	return nil
}

// Stop flushes pending lines and closes every file
func (lm *LogManager) Stop() {
	lm.logger.Info("Stopping log manager")
	if lm.cancel != nil {
		lm.cancel()
	}

	lm.Flush()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for role, file := range lm.files {
		if err := file.Close(); err != nil {
			lm.logger.Error("Failed to close log file", zap.String("role", role), zap.Error(err))
		}
		delete(lm.files, role)
	}
}

// Writer returns a writer that turns every written line into a log entry
func (lm *LogManager) Writer(role string, id group.ProcessID, stream string) io.WriteCloser {
	return &lineWriter{
		emit: func(line string) {
			lm.Add(LogEntry{
				Timestamp: time.Now(),
				Stream:    stream,
				Role:      role,
				ProcessID: string(id),
				Message:   line,
			})
		},
	}
}

// Add buffers a log entry for its role
func (lm *LogManager) Add(entry LogEntry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buffers[entry.Role] = append(lm.buffers[entry.Role], entry)
}

// GetLogs returns the entries of a role within [start, end]
func (lm *LogManager) GetLogs(role string, start, end time.Time) ([]LogEntry, error) {
	file, err := os.Open(lm.path(role))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			logs = append(logs, entry)
		}
	}

	return logs, nil
}

// Flush writes buffered entries to disk
func (lm *LogManager) Flush() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for role, entries := range lm.buffers {
		if len(entries) == 0 {
			continue
		}

		file, ok := lm.files[role]
		if !ok {
			var err error
			file, err = os.OpenFile(lm.path(role), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				lm.logger.Error("Failed to create log file", zap.String("role", role), zap.Error(err))
				continue
			}
			lm.files[role] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				lm.logger.Error("Failed to write log entry", zap.String("role", role), zap.Error(err))
			}
		}
		lm.buffers[role] = entries[:0]
	}
}

func (lm *LogManager) path(role string) string {
	return filepath.Join(lm.config.Dir, fmt.Sprintf("%s.log", role))
}

func (lm *LogManager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(lm.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.Flush()
		}
	}
}

func (lm *LogManager) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.Rotate(time.Now())
		}
	}
}

// Rotate deletes files older than MaxAge and renames files above MaxFileSize
func (lm *LogManager) Rotate(now time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	err := filepath.Walk(lm.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		switch {
		case lm.config.MaxAge > 0 && now.Sub(info.ModTime()) > lm.config.MaxAge:
			lm.closeFile(path)
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file", zap.String("path", path), zap.Error(err))
			}
		case lm.config.MaxFileSize > 0 && info.Size() > lm.config.MaxFileSize && filepath.Ext(path) == ".log":
			lm.closeFile(path)
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}
}

// closeFile drops the open handle of a file about to be moved; the next flush reopens it
func (lm *LogManager) closeFile(path string) {
	for role, file := range lm.files {
		if file.Name() == path {
			file.Close()
			delete(lm.files, role)
		}
	}
}

// lineWriter splits a byte stream into lines
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.emit(line)
	}
	return len(p), nil
}

// Close emits a trailing partial line
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}
