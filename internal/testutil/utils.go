package testutil

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
)

type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// goroutines may outlive the test; t.Log panics after it completes
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing or verbose tests.
func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "[test] ", log.Lmsgprefix)
}

// LogBuffer collects log output so tests can assert on diagnostics.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func BufferLogger() (*log.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return log.New(buf, "", 0), buf
}
