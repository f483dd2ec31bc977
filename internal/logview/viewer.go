// Package logview shows the managed service's logs: the application log file
// when it exists, otherwise the supervisor journal.
package logview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/target"
)

// Journal is the supervisor's log of the service.
type Journal interface {
	// Logs returns the last n lines, or all of them when n <= 0.
	Logs(ctx context.Context, name string, n int) ([]string, error)
	Follow(ctx context.Context, name string, w io.Writer) error
}

type Viewer struct {
	FS      target.FS
	Journal Journal
	LogFile string
	Service string
	Out     io.Writer
	// PollInterval is how often Follow checks the log file for growth.
	PollInterval time.Duration
	// Backlog is how many lines Follow prints before waiting for new ones.
	Backlog int
}

func (v *Viewer) hasLogFile() (bool, error) {
	return target.Exists(v.FS, v.LogFile)
}

// Full prints the whole application log file.
func (v *Viewer) Full(ctx context.Context) error {
	f, err := v.FS.Open(v.LogFile)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("log file %s not found; try the service journal", v.LogFile)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(v.Out, f)
	return err
}

// Supervisor prints the service journal.
func (v *Viewer) Supervisor(ctx context.Context) error {
	lines, err := v.Journal.Logs(ctx, v.Service, 0)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(v.Out, l)
	}
	return nil
}

// Follow streams new lines until ctx is done. The log file takes precedence
// over the journal.
func (v *Viewer) Follow(ctx context.Context) error {
	ok, err := v.hasLogFile()
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().Str("service", v.Service).Msg("no log file, following journal")
		return v.Journal.Follow(ctx, v.Service, v.Out)
	}
	return v.followFile(ctx)
}

func (v *Viewer) followFile(ctx context.Context) error {
	f, err := v.FS.Open(v.LogFile)
	if err != nil {
		return err
	}
	defer func() { f.Close() }()

	backlog, err := Tail(f, v.Backlog)
	if err != nil {
		return err
	}
	for _, l := range backlog {
		fmt.Fprintln(v.Out, l)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	interval := v.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		info, err := v.FS.Stat(v.LogFile)
		if errors.Is(err, fs.ErrNotExist) {
			continue // mid-rotation
		}
		if err != nil {
			return err
		}
		if info.Size() < offset {
			log.Debug().Str("path", v.LogFile).Msg("log file truncated, reopening")
			reopened, err := v.FS.Open(v.LogFile)
			if err != nil {
				return err
			}
			f.Close()
			f = reopened
			offset = 0
		}
		if info.Size() == offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(v.Out, io.LimitReader(f, info.Size()-offset))
		offset += n
		if err != nil {
			return err
		}
	}
}

// Search prints every line containing term, matched case-sensitively, from the
// log file or, when there is none, from the journal. It returns the match count.
func (v *Viewer) Search(ctx context.Context, term string) (int, error) {
	if term == "" {
		return 0, errors.New("empty search term")
	}
	ok, err := v.hasLogFile()
	if err != nil {
		return 0, err
	}
	matches := 0
	emit := func(line string) {
		if strings.Contains(line, term) {
			fmt.Fprintln(v.Out, line)
			matches++
		}
	}
	if ok {
		f, err := v.FS.Open(v.LogFile)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			emit(sc.Text())
		}
		if err := sc.Err(); err != nil {
			return matches, err
		}
	} else {
		lines, err := v.Journal.Logs(ctx, v.Service, 0)
		if err != nil {
			return 0, err
		}
		for _, l := range lines {
			emit(l)
		}
	}
	if matches == 0 {
		fmt.Fprintf(v.Out, "no lines matching %q\n", term)
	}
	return matches, nil
}

const menuText = `
Logs for %s
  1) full log file
  2) service journal
  3) follow live (Ctrl-C to stop)
  4) search
  q) quit
> `

// Menu runs the interactive viewer, reading choices from in until "q" or EOF.
func (v *Viewer) Menu(ctx context.Context, in io.Reader) error {
	r := bufio.NewReader(in)
	for {
		fmt.Fprintf(v.Out, menuText, v.Service)
		choice, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch choice {
		case "1":
			err = v.Full(ctx)
		case "2":
			err = v.Supervisor(ctx)
		case "3":
			return v.Follow(ctx)
		case "4":
			fmt.Fprint(v.Out, "search for: ")
			term, rerr := readLine(r)
			if rerr != nil && !errors.Is(rerr, io.EOF) {
				return rerr
			}
			_, err = v.Search(ctx, term)
		case "q", "quit", "exit":
			return nil
		case "":
			continue
		default:
			fmt.Fprintf(v.Out, "unknown choice %q\n", choice)
		}
		if err != nil {
			fmt.Fprintf(v.Out, "error: %v\n", err)
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
