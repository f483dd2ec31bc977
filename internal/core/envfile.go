package core

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseEnv reads KEY=VALUE pairs in the format python-dotenv accepts for the
// managed app's .env. Lines starting with # are ignored, an optional "export "
// prefix is dropped and matching single or double quotes around a value are removed.
func ParseEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	s := bufio.NewScanner(r)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return out, fmt.Errorf("line %d: expected KEY=VALUE", n)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		} else if j := strings.Index(v, " #"); j >= 0 {
			v = strings.TrimSpace(v[:j])
		}
		out[k] = v
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read env: %w", err)
	}
	return out, nil
}
