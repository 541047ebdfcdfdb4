package process

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// lockedBuffer serializes writes coming from the Wait goroutine and reads from the test
type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestLogWriterSplitsLinesAndMapsLevels(t *testing.T) {
	var buf bytes.Buffer
	w := &logWriter{
		logger:     logger.NewLogrusLoggerWithOutput("debug", "text", &buf),
		streamType: "stderr",
	}

	_, _ = w.Write([]byte("warning: audio I/O stuck"))
	assert.Zero(t, buf.Len(), "partial line must stay buffered")

	_, _ = w.Write([]byte("\r\nverbose(4): tried /usr/lib/pd\nplain line\n"))
	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "level=debug")
	assert.Contains(t, out, "level=info")
	assert.NotContains(t, out, "\r")

	buf.Reset()
	_, _ = w.Write([]byte("tail"))
	w.Flush()
	assert.Contains(t, buf.String(), "incomplete=true")
}
