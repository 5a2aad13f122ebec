package tailer

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// DefaultBackfill is how many lines are restored from disk after a restart.
const DefaultBackfill = 100

// Backfill returns up to the last n complete lines of path and the offset a
// tailer should resume from. A trailing partial line is not returned; the
// offset points at its first byte so the tailer delivers it once complete.
// A missing file yields no lines and offset 0.
func Backfill(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if size == 0 {
		return nil, 0, nil
	}

	// Find the end of the last complete line.
	var tail []byte
	pos := size
	end := int64(-1)
	for pos > 0 && end < 0 {
		chunk, err := readBefore(f, pos)
		if err != nil {
			return nil, 0, err
		}
		pos -= int64(len(chunk))
		tail = append(chunk, tail...)
		if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
			end = pos + int64(i) + 1
			tail = tail[:i+1]
		}
	}
	if end < 0 || n <= 0 {
		if end < 0 {
			end = 0
		}
		return nil, end, nil
	}

	// Walk back until n+1 newlines are in view or the file start is reached.
	for pos > 0 && bytes.Count(tail, []byte("\n")) <= n {
		chunk, err := readBefore(f, pos)
		if err != nil {
			return nil, 0, err
		}
		pos -= int64(len(chunk))
		tail = append(chunk, tail...)
	}

	text := string(bytes.TrimSuffix(tail, []byte("\n")))
	all := splitLines(text)
	if pos > 0 && len(all) > 0 {
		// The first line may be cut in the middle.
		all = all[1:]
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, end, nil
}

func readBefore(f *os.File, pos int64) ([]byte, error) {
	size := int64(readChunk)
	if pos < size {
		size = pos
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, pos-size); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func splitLines(s string) []string {
	parts := bytes.Split([]byte(s), []byte("\n"))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(bytes.TrimSuffix(p, []byte("\r")))
	}
	return out
}
