package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dashwall/internal/task/engine"
	logx "dashwall/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
	}{
		{"10s", SpecInterval, 10 * time.Second},
		{"00:05", SpecInterval, 5 * time.Minute},
		{"every:2m", SpecInterval, 2 * time.Minute},
		{"@every 1m", SpecInterval, time.Minute},
		{"*/10 * * * * *", SpecCron, 0},
		{"cron:0 * * * *", SpecCron, 0},
		{"@hourly", SpecCron, 0},
	}
	for _, c := range cases {
		ps, err := ParseSchedule(c.in)
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if ps.Kind != c.kind || ps.Every != c.every {
			t.Fatalf("%q: got kind=%v every=%v", c.in, ps.Kind, ps.Every)
		}
	}

	for _, bad := range []string{"", "soon", "-5s", "0s", "00:61", "cron:", "* * *"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestDelay(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 3, 0, time.UTC)

	ps, _ := ParseSchedule("*/10 * * * * *")
	if got := ps.Delay(now); got != 7*time.Second {
		t.Fatalf("cron delay=%v, want 7s", got)
	}
	ps, _ = ParseSchedule("30s")
	if got := ps.Delay(now); got != 30*time.Second {
		t.Fatalf("interval delay=%v, want 30s", got)
	}
}

func TestSpreadBounds(t *testing.T) {
	if Spread(time.Minute, 0, "a") != 0 {
		t.Fatal("zero limit must not spread")
	}
	for i := 0; i < 100; i++ {
		d := Spread(2*time.Second, time.Minute, "w")
		if d < 0 || d >= 2*time.Second {
			t.Fatalf("spread %v out of range", d)
		}
	}
	s := &spreadSchedule{base: cron5s{}, first: time.Unix(100, 0)}
	if got := s.Next(time.Unix(50, 0)); !got.Equal(time.Unix(100, 0)) {
		t.Fatalf("first=%v", got)
	}
	if got := s.Next(time.Unix(100, 0)); !got.Equal(time.Unix(105, 0)) {
		t.Fatalf("after first=%v", got)
	}
}

type cron5s struct{}

func (cron5s) Next(t time.Time) time.Time { return t.Add(5 * time.Second) }

func TestRunNowAndRemove(t *testing.T) {
	pool := engine.New(engine.Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	s := New(Config{}, pool, logx.Nop())
	var runs atomic.Int32
	if err := s.Add("reconcile", "1h", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.RunNow("reconcile"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs=%d", runs.Load())
	}

	snap := s.Snapshot()
	if !snap.Running || len(snap.Jobs) != 1 || snap.Jobs[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !s.Remove("reconcile") || s.Remove("reconcile") {
		t.Fatal("remove")
	}
	if err := s.RunNow("reconcile"); err == nil {
		t.Fatal("expected unknown job")
	}
}

func TestPeriod(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 3, 0, time.UTC)
	ps, _ := ParseSchedule("*/10 * * * * *")
	if got := ps.Period(now); got != 10*time.Second {
		t.Fatalf("cron period=%v", got)
	}
	ps, _ = ParseSchedule("00:05")
	if got := ps.Period(now); got != 5*time.Minute {
		t.Fatalf("interval period=%v", got)
	}
}
