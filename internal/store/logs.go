package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadRunLog returns the run's transcript. When tail is positive only the
// last tail lines are returned.
func (s *Store) ReadRunLog(runID string, tail int) ([]byte, error) {
	file, err := os.Open(s.RunLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRunLogNotFound
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()
	return ReadTail(file, tail)
}

// ReadTail reads r fully and keeps the last tail lines. A trailing newline
// does not count as an extra line.
func ReadTail(r io.Reader, tail int) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	text := string(data)
	trailing := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return []byte(out), nil
}
