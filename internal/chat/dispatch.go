package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/sessionchat/internal/types"
)

var errDispatcherStopped = errors.New("dispatcher stopped")

// dispatcher runs turns through per-session lanes with a global concurrency
// semaphore. Turns within a session are processed in submission order;
// the semaphore limits how many sessions have a request in flight.
type dispatcher struct {
	lanes     map[types.SessionID]chan *Turn
	semaphore *semaphore.Weighted
	process   func(context.Context, *Turn)
	abandon   func(*Turn)
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func newDispatcher(maxConcurrent int64, process func(context.Context, *Turn), abandon func(*Turn), logger *slog.Logger) *dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &dispatcher{
		lanes:     make(map[types.SessionID]chan *Turn),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		process:   process,
		abandon:   abandon,
		logger:    logger,
	}
}

// start initialises the dispatcher's context. Must be called before enqueue.
func (d *dispatcher) start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// stop cancels in-flight requests, closes all lanes and waits for the lane
// goroutines. Turns still queued are handed to abandon.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// enqueue adds a turn to its session's lane, creating the lane (and its
// goroutine) on first use.
func (d *dispatcher) enqueue(turn *Turn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.ctx == nil {
		return errDispatcherStopped
	}

	lane, exists := d.lanes[turn.SessionID]
	if !exists {
		lane = make(chan *Turn, 100)
		d.lanes[turn.SessionID] = lane
		d.wg.Add(1)
		go d.processLane(lane)
	}

	select {
	case lane <- turn:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", turn.SessionID)
	}
}

// processLane drains one session lane until it is closed.
func (d *dispatcher) processLane(lane chan *Turn) {
	defer d.wg.Done()
	for turn := range lane {
		if d.ctx.Err() != nil {
			d.logger.Debug("abandoning queued turn", "session_id", turn.SessionID, "placeholder_id", turn.PlaceholderID)
			d.abandon(turn)
			continue
		}
		if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
			d.abandon(turn)
			continue
		}
		d.process(d.ctx, turn)
		d.semaphore.Release(1)
	}
}
