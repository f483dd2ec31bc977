package logview

import (
	"bytes"
	"io"
	"strings"

	"github.com/3cpo-dev/rollout/internal/target"
)

const tailBlock = 8 << 10

// Tail returns the last n lines of r, reading backwards from the end so large
// logs are not read whole.
func Tail(r io.ReadSeeker, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	var buf []byte
	pos := end
	for pos > 0 && bytes.Count(bytes.TrimRight(buf, "\n"), []byte{'\n'}) < n {
		size := min(int64(tailBlock), pos)
		pos -= size
		chunk := make([]byte, size)
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		buf = append(chunk, buf...)
	}
	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines, nil
}

// TailFile is Tail on a file of the target.
func TailFile(fsys target.FS, name string, n int) ([]string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Tail(f, n)
}
