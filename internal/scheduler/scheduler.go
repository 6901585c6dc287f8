// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultIdle is how long the user must be inactive before a keep-alive ping.
const DefaultIdle = 2 * time.Minute

// Pinger keeps the server-side session warm.
type Pinger interface {
	KeepAlive(ctx context.Context) error
}

// Scheduler pings the server on a cron schedule, but only while the user
// has been idle for at least the idle threshold.
type Scheduler struct {
	pinger   Pinger
	schedule string
	idle     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu           sync.Mutex
	cron         *cron.Cron
	lastActivity time.Time
	pings        int
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like "@every 2m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a keep-alive scheduler. An empty schedule checks every idle
// period; idle <= 0 uses DefaultIdle. Pass nil logger for default.
func New(pinger Pinger, schedule string, idle time.Duration, logger *slog.Logger) *Scheduler {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if schedule == "" {
		schedule = "@every " + idle.String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pinger:       pinger,
		schedule:     schedule,
		idle:         idle,
		now:          time.Now,
		logger:       logger.With("component", "keepalive"),
		lastActivity: time.Now(),
	}
}

// Start registers the keep-alive entry and starts the cron ticker.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, s.Tick); err != nil {
		return fmt.Errorf("invalid keep-alive schedule %q: %w", s.schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info("keep-alive scheduled", "schedule", s.schedule, "idle", s.idle)
	return nil
}

// Stop stops the cron ticker and waits for a running ping to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Touch records user activity.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// Pings returns how many keep-alive pings have been sent.
func (s *Scheduler) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Tick pings the server if the user has been idle long enough.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	idleFor := s.now().Sub(s.lastActivity)
	if idleFor < s.idle {
		s.mu.Unlock()
		return
	}
	s.pings++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.pinger.KeepAlive(ctx); err != nil {
		s.logger.Warn("keep-alive ping failed", "error", err)
		return
	}
	s.logger.Debug("keep-alive ping sent", "idle_for", idleFor)
}
