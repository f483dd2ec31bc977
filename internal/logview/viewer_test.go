package logview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/3cpo-dev/rollout/internal/target"
)

type fakeJournal struct {
	lines    []string
	followed bool
}

func (j *fakeJournal) Logs(ctx context.Context, name string, n int) ([]string, error) {
	if n > 0 && n < len(j.lines) {
		return j.lines[len(j.lines)-n:], nil
	}
	return j.lines, nil
}

func (j *fakeJournal) Follow(ctx context.Context, name string, w io.Writer) error {
	j.followed = true
	_, err := io.WriteString(w, "journal follow\n")
	return err
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bot.log")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "line %04d with some padding to cross block boundaries\n", i)
	}
	got, err := Tail(strings.NewReader(b.String()), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"line 4997 with some padding to cross block boundaries",
		"line 4998 with some padding to cross block boundaries",
		"line 4999 with some padding to cross block boundaries",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tail (-want +got):\n%s", diff)
	}

	got, err = Tail(strings.NewReader("only\r\nthree\nlines"), 20)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"only", "three", "lines"}, got); diff != "" {
		t.Errorf("short tail (-want +got):\n%s", diff)
	}
	if got, _ := Tail(strings.NewReader(""), 5); got != nil {
		t.Errorf("empty input: %q", got)
	}
}

func TestSearchPrefersLogFileAndIsCaseSensitive(t *testing.T) {
	p := writeLog(t, "INFO started", "ERROR db locked", "error lowercase", "INFO ERROR again")
	var out bytes.Buffer
	j := &fakeJournal{lines: []string{"ERROR from journal"}}
	v := &Viewer{FS: target.OSFS{}, Journal: j, LogFile: p, Service: "bot", Out: &out}
	n, err := v.Search(context.Background(), "ERROR")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("matches = %d, want 2", n)
	}
	if diff := cmp.Diff("ERROR db locked\nINFO ERROR again\n", out.String()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestSearchFallsBackToJournal(t *testing.T) {
	var out bytes.Buffer
	j := &fakeJournal{lines: []string{"a Timeout", "b timeout", "c Timeout"}}
	v := &Viewer{FS: target.OSFS{}, Journal: j, LogFile: filepath.Join(t.TempDir(), "missing.log"), Service: "bot", Out: &out}
	n, err := v.Search(context.Background(), "Timeout")
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	out.Reset()
	if n, _ := v.Search(context.Background(), "nothing"); n != 0 || !strings.Contains(out.String(), "no lines matching") {
		t.Errorf("n=%d out=%q", n, out.String())
	}
}

func TestFollowFileAppends(t *testing.T) {
	p := writeLog(t, "old 1", "old 2")
	out := &syncBuffer{}
	v := &Viewer{FS: target.OSFS{}, Journal: &fakeJournal{}, LogFile: p, Out: out, PollInterval: 5 * time.Millisecond, Backlog: 1}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx) }()

	waitFor(t, out, "old 2\n")
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "new 3")
	f.Close()
	waitFor(t, out, "new 3\n")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if strings.Contains(out.String(), "old 1") {
		t.Errorf("backlog exceeded: %q", out.String())
	}
}

func TestFollowJournalWithoutLogFile(t *testing.T) {
	var out bytes.Buffer
	j := &fakeJournal{}
	v := &Viewer{FS: target.OSFS{}, Journal: j, LogFile: filepath.Join(t.TempDir(), "none.log"), Out: &out}
	if err := v.Follow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !j.followed {
		t.Fatal("journal not followed")
	}
}

func TestMenu(t *testing.T) {
	p := writeLog(t, "hello", "world")
	var out bytes.Buffer
	v := &Viewer{FS: target.OSFS{}, Journal: &fakeJournal{lines: []string{"journal line"}}, LogFile: p, Service: "bot", Out: &out}
	in := strings.NewReader("1\n2\n4\nwor\n9\nq\n")
	if err := v.Menu(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{"hello\nworld\n", "journal line\n", "search for: world\n", `unknown choice "9"`} {
		if !strings.Contains(s, want) {
			t.Errorf("menu output missing %q:\n%s", want, s)
		}
	}
}

func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, have %q", want, out.String())
}
