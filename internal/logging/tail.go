// ABOUTME: Reads the last lines of the log file for the control API.
// ABOUTME: Scans backwards in fixed-size chunks so large files are not loaded whole.

package logging

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoLogFile is returned by Tail when no log file is configured.
var ErrNoLogFile = errors.New("no log file configured")

const tailChunk = 32 * 1024

// Tail returns up to n trailing lines of the file at path, oldest first.
func Tail(path string, n int) ([]string, error) {
	if path == "" {
		return nil, ErrNoLogFile
	}
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	var data []byte
	offset := info.Size()
	for offset > 0 && bytes.Count(data, []byte{'\n'}) <= n {
		size := int64(tailChunk)
		if offset < size {
			size = offset
		}
		offset -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading log file: %w", err)
		}
		data = append(chunk, data...)
	}

	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(data, []byte{'\n'})
	// When the scan stopped mid-file the first line may be partial; the
	// loop reads past n newlines so it is always cut here.
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out, nil
}
