// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePinger struct {
	calls atomic.Int32
	err   error
}

func (p *fakePinger) KeepAlive(ctx context.Context) error {
	p.calls.Add(1)
	return p.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(p Pinger, idle time.Duration) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(p, "", idle, nil)
	s.now = clock.Now
	s.lastActivity = clock.Now()
	return s, clock
}

func TestTickPingsOnlyWhenIdle(t *testing.T) {
	p := &fakePinger{}
	s, clock := newTestScheduler(p, 2*time.Minute)

	clock.Advance(time.Minute)
	s.Tick()
	if p.calls.Load() != 0 {
		t.Fatal("expected no ping while user is active")
	}

	clock.Advance(time.Minute)
	s.Tick()
	if p.calls.Load() != 1 {
		t.Fatalf("expected one ping after 2m idle, got %d", p.calls.Load())
	}

	s.Touch()
	clock.Advance(30 * time.Second)
	s.Tick()
	if p.calls.Load() != 1 {
		t.Errorf("expected Touch to reset idle timer, got %d pings", p.calls.Load())
	}
	if s.Pings() != 1 {
		t.Errorf("expected Pings()=1, got %d", s.Pings())
	}
}

func TestTickIgnoresPingFailure(t *testing.T) {
	p := &fakePinger{err: errors.New("connection refused")}
	s, clock := newTestScheduler(p, time.Minute)

	clock.Advance(2 * time.Minute)
	s.Tick()
	s.Tick()
	if p.calls.Load() != 2 {
		t.Errorf("expected failures not to stop pinging, got %d calls", p.calls.Load())
	}
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	p := &fakePinger{}
	s := New(p, "* * * * * *", time.Nanosecond, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("keep-alive did not fire within 2.5s, calls=%d", p.calls.Load())
		case <-ticker.C:
			if p.calls.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := New(&fakePinger{}, "not a schedule", time.Minute, nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	s.Stop()
}

func TestDefaultSchedule(t *testing.T) {
	s := New(&fakePinger{}, "", 0, nil)
	if s.schedule != "@every 2m0s" {
		t.Errorf("expected default schedule '@every 2m0s', got %q", s.schedule)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
