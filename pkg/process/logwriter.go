package process

import (
	"strings"
	"sync"

	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// logWriter is an io.Writer that forwards the child's output to the logger
// line by line, buffering partial lines
type logWriter struct {
	logger     logger.Logger
	streamType string // "stdout" or "stderr"
	buffer     []byte
	bufferLock sync.Mutex
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.bufferLock.Lock()
	defer w.bufferLock.Unlock()

	w.buffer = append(w.buffer, p...)

	for _, line := range w.processBuffer() {
		if line != "" {
			w.logLine(line)
		}
	}

	return len(p), nil
}

// logLine maps Pure-Data's console prefixes onto log levels
func (w *logWriter) logLine(line string) {
	lineLogger := w.logger.WithField("stream", w.streamType)

	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "error"):
		lineLogger.Error(line)
	case strings.HasPrefix(lower, "warning"):
		lineLogger.Warn(line)
	case strings.HasPrefix(lower, "verbose"), strings.HasPrefix(lower, "debug"):
		lineLogger.Debug(line)
	default:
		lineLogger.Info(line)
	}
}

// processBuffer returns complete lines; an incomplete tail stays buffered
func (w *logWriter) processBuffer() []string {
	var lines []string
	start := 0

	for i, c := range w.buffer {
		if c == '\n' {
			lines = append(lines, strings.TrimSuffix(string(w.buffer[start:i]), "\r"))
			start = i + 1
		}
	}

	if start > 0 {
		w.buffer = w.buffer[start:]
	}

	return lines
}

// Flush logs whatever is left in the buffer, even without a newline
func (w *logWriter) Flush() {
	w.bufferLock.Lock()
	defer w.bufferLock.Unlock()

	if len(w.buffer) > 0 {
		w.logger.WithField("stream", w.streamType).
			WithField("incomplete", true).
			Info(string(w.buffer))
		w.buffer = nil
	}
}
