package tailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// DefaultInterval is how often the log file is checked for new output.
const DefaultInterval = 100 * time.Millisecond

const readChunk = 32 * 1024

// Sink receives complete lines without their trailing newline.
type Sink interface {
	Append(lines ...string)
}

// Tailer follows an append-only file from an offset. Only complete,
// newline-terminated lines are delivered; a trailing partial line is held
// until its newline arrives.
type Tailer struct {
	Interval time.Duration

	path string
	sink Sink

	mu      sync.Mutex
	offset  int64
	partial []byte
}

func New(path string, offset int64, sink Sink) *Tailer {
	return &Tailer{Interval: DefaultInterval, path: path, sink: sink, offset: offset}
}

// Run polls until ctx is cancelled, then drains once more.
func (t *Tailer) Run(ctx context.Context) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.Poll()
			return nil
		case <-ticker.C:
			// Read errors are transient (file replaced, permissions); the next tick retries.
			_ = t.Poll()
		}
	}
}

// Poll reads whatever was appended since the last call. A missing file is
// not an error. If the file shrank it was truncated and reading restarts at 0.
func (t *Tailer) Poll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}

	buf := make([]byte, readChunk)
	for {
		n, err := f.ReadAt(buf, t.offset)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (t *Tailer) consume(data []byte) {
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			t.partial = append(t.partial, data...)
			break
		}
		line := data[:i]
		if len(t.partial) > 0 {
			line = append(t.partial, line...)
			t.partial = nil
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte("\r"))))
		data = data[i+1:]
	}
	if len(lines) > 0 {
		t.sink.Append(lines...)
	}
}

// Offset is the position of the next unread byte.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}
