package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultLogRetention is how long tool error entries are kept
const DefaultLogRetention = 60 * 24 * time.Hour

// ErrorLogEntry is one failed tool call
type ErrorLogEntry struct {
	Timestamp string         `json:"timestamp"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Error     string         `json:"error"`
}

// ErrorLog appends failed tool calls to a JSON lines file. A nil *ErrorLog
// discards everything.
type ErrorLog struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *logrus.Logger
}

// OpenErrorLog opens (creating if needed) the error log at path after dropping
// entries older than retention
func OpenErrorLog(path string, retention time.Duration, logger *logrus.Logger) (*ErrorLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if retention > 0 {
		if err := prune(path, time.Now().Add(-retention)); err != nil {
			logger.WithError(err).Warn("Failed to rotate old tool error logs")
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open tool error log file: %w", err)
	}
	logger.WithField("path", path).Info("Tool error logging enabled")
	return &ErrorLog{file: f, path: path, logger: logger}, nil
}

// Record writes one entry
func (l *ErrorLog) Record(toolName string, args map[string]any, err error) {
	if l == nil || err == nil {
		return
	}

	data, marshalErr := json.Marshal(ErrorLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ToolName:  toolName,
		Arguments: args,
		Error:     err.Error(),
	})
	if marshalErr != nil {
		l.logger.WithError(marshalErr).Error("Failed to marshal tool error log entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, writeErr := l.file.Write(append(data, '\n')); writeErr != nil {
		l.logger.WithError(writeErr).Error("Failed to write tool error log entry")
	}
}

// Path returns the log file location
func (l *ErrorLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close closes the log file
func (l *ErrorLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// prune rewrites path keeping entries newer than cutoff. Lines without a
// readable timestamp are kept.
func prune(path string, cutoff time.Time) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var keep []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ts := gjson.Get(line, "timestamp")
		if at, err := time.Parse(time.RFC3339, ts.String()); ts.Exists() && err == nil && at.Before(cutoff) {
			continue
		}
		keep = append(keep, line)
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		return fmt.Errorf("error reading log file during rotation: %w", scanErr)
	}

	content := ""
	if len(keep) > 0 {
		content = strings.Join(keep, "\n") + "\n"
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write temporary rotated log file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temporary log file during rotation: %w", err)
	}
	return nil
}
