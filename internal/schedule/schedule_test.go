package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	from := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"0 3 * * *":    time.Date(2024, 3, 16, 3, 0, 0, 0, time.UTC),
		"*/15 * * * *": time.Date(2024, 3, 15, 10, 45, 0, 0, time.UTC),
		"@daily":       time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		"@every 6h":    from.Add(6 * time.Hour),
	}
	for expr, want := range cases {
		got, err := Next(expr, from)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if !got.Equal(want) {
			t.Errorf("%s: got %s, want %s", expr, got, want)
		}
	}
	if _, err := Parse("61 * * * *"); err == nil {
		t.Error("invalid expression accepted")
	}
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestRunScheduleStopsWithContext(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunSchedule(ctx, "backup", every(10*time.Millisecond), func(context.Context) error {
			if runs.Add(1) == 2 {
				return errors.New("store missing")
			}
			return nil
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if runs.Load() < 3 {
		t.Fatalf("job ran %d times; a failed run must not stop the schedule", runs.Load())
	}
}
