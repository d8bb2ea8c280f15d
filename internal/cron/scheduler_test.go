package cron_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/plaintask/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "rescan",
		Spec: "@every 1s",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "slow",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "broken",
		Spec: "every tuesday-ish",
		Run:  func(context.Context) error { return nil },
	}}})
	if err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestScheduler_EmptySpecDisablesJob(t *testing.T) {
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "checkpoint",
		Run:  func(context.Context) error { return nil },
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunNow(context.Background(), "checkpoint"); err == nil {
		t.Fatal("disabled job should not be runnable")
	}
	if !sched.Next("checkpoint").IsZero() {
		t.Fatal("disabled job has a next run time")
	}
}

func TestScheduler_RunNowReturnsJobError(t *testing.T) {
	boom := errors.New("boom")
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "checkpoint",
		Spec: "@hourly",
		Run:  func(context.Context) error { return boom },
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunNow(context.Background(), "checkpoint"); !errors.Is(err, boom) {
		t.Fatalf("RunNow = %v, want boom", err)
	}
	if next := sched.Next("checkpoint"); !next.After(time.Now()) {
		t.Fatalf("next run = %v, want future", next)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"@every 15m", base.Add(15 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := cron.NextRunTime(tt.expr, base)
			if err != nil {
				t.Fatalf("NextRunTime(%q): %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}

	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
