package tailer

import "sync"

// DefaultCapacity is the number of log lines kept in memory per run.
const DefaultCapacity = 2000

// Buffer is a bounded, ordered line store. Once full, each append evicts the
// oldest line. It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
	total int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

func (b *Buffer) Append(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range lines {
		idx := (b.start + b.size) % len(b.lines)
		b.lines[idx] = line
		if b.size < len(b.lines) {
			b.size++
		} else {
			b.start = (b.start + 1) % len(b.lines)
		}
		b.total++
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Tail returns at most the last n lines.
func (b *Buffer) Tail(n int) []string {
	lines := b.Lines()
	if n >= 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Total counts every line ever appended, including evicted ones.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Buffer) Cap() int { return len(b.lines) }
