package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sessionchat/internal/types"
)

// Dialer opens a channel connection bound to a session. Dial returns once
// the server has acknowledged the connection.
type Dialer interface {
	Dial(ctx context.Context, sessionID types.SessionID) (Conn, error)
}

// Conn is an open channel connection.
type Conn interface {
	// Next blocks until the server pushes a frame or the connection drops.
	Next() (ServerEvent, error)
	// Close is safe to call more than once.
	Close() error
}

// Supervisor owns the lifecycle of the real-time channel: it connects,
// reconnects with bounded backoff after drops, and publishes every status
// change and server frame to its subscribers.
//
// Each connect starts a worker goroutine tagged with a generation number.
// Disconnect bumps the generation and waits for the worker, so no event
// from an older worker is ever published after Disconnect returns.
type Supervisor struct {
	dialer Dialer
	policy *RetryPolicy
	logger *slog.Logger
	bus    *broadcaster

	mu        sync.Mutex
	status    types.ChannelStatus
	sessionID types.SessionID
	attempt   int
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSupervisor creates a supervisor in the Disconnected state. Pass nil
// policy or logger for defaults.
func NewSupervisor(dialer Dialer, policy *RetryPolicy, logger *slog.Logger) *Supervisor {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel")
	return &Supervisor{
		dialer: dialer,
		policy: policy,
		logger: logger,
		bus:    newBroadcaster(logger),
		status: types.ChannelDisconnected,
	}
}

// Status returns the current channel status.
func (s *Supervisor) Status() types.ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID returns the session the channel is bound to.
func (s *Supervisor) SessionID() types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Attempt returns the current reconnect attempt, or 0 when not reconnecting.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Subscribe returns a channel of events. The channel is closed when ctx is
// cancelled or the supervisor is closed.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan Event {
	return s.bus.subscribe(ctx)
}

// Connect starts connecting under sessionID. Only allowed from
// Disconnected or Failed.
func (s *Supervisor) Connect(sessionID types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.ChannelDisconnected && s.status != types.ChannelFailed {
		return ErrConnectRejected
	}
	s.start(sessionID)
	return nil
}

// start launches a worker. Caller must hold the lock.
func (s *Supervisor) start(sessionID types.SessionID) {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.sessionID = sessionID
	s.status = types.ChannelConnecting
	s.attempt = 0
	s.cancel = cancel
	s.done = done

	s.logger.Info("connecting", "session_id", sessionID)
	s.bus.publish(Event{Kind: EventConnecting, SessionID: sessionID})

	go func() {
		defer close(done)
		s.run(ctx, gen, sessionID)
	}()
}

// Disconnect stops the channel from any state. Pending reconnect timers are
// cancelled and the worker has exited when Disconnect returns.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, done := s.stopLocked()
	changed := s.status != types.ChannelDisconnected
	s.status = types.ChannelDisconnected
	s.attempt = 0
	sessionID := s.sessionID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if changed {
		s.logger.Info("disconnected", "session_id", sessionID)
		s.bus.publish(Event{Kind: EventDisconnected, SessionID: sessionID})
	}
}

// stopLocked invalidates the current worker. Caller must hold the lock.
func (s *Supervisor) stopLocked() (context.CancelFunc, chan struct{}) {
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	return cancel, done
}

// Rebind moves the channel to a new session. Any channel that was started,
// including a Failed one, is torn down and reconnected under the new id. A
// Disconnected channel only records the id for the next Connect.
func (s *Supervisor) Rebind(sessionID types.SessionID) {
	s.mu.Lock()
	if sessionID == s.sessionID {
		s.mu.Unlock()
		return
	}
	if s.status == types.ChannelDisconnected {
		s.sessionID = sessionID
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info("rebinding channel", "session_id", sessionID)
	s.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.ChannelDisconnected {
		s.start(sessionID)
	}
}

// Close disconnects and closes all subscriber channels.
func (s *Supervisor) Close() {
	s.Disconnect()
	s.bus.close()
}

// transition sets the status if gen is still current and publishes ev.
func (s *Supervisor) transition(gen uint64, status types.ChannelStatus, attempt int, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}
	s.status = status
	s.attempt = attempt
	s.bus.publish(ev)
	return true
}

// forward publishes a server frame if gen is still current.
func (s *Supervisor) forward(gen uint64, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}
	s.bus.publish(ev)
	return true
}

func (s *Supervisor) run(ctx context.Context, gen uint64, sessionID types.SessionID) {
	attempt := 0
	for {
		conn, err := s.dialer.Dial(ctx, sessionID)
		if err == nil {
			attempt = 0
			if !s.transition(gen, types.ChannelConnected, 0, Event{Kind: EventConnected, SessionID: sessionID}) {
				conn.Close()
				return
			}
			s.logger.Info("connected", "session_id", sessionID)
			err = s.read(ctx, gen, sessionID, conn)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		if !s.policy.Allows(attempt) {
			chErr := &ChannelError{SessionID: sessionID, Attempts: attempt - 1, Err: err}
			if s.transition(gen, types.ChannelFailed, 0, Event{Kind: EventFailed, SessionID: sessionID, Err: chErr}) {
				s.logger.Error("channel failed", "session_id", sessionID, "error", chErr)
			}
			return
		}

		delay := s.policy.NextDelay(attempt)
		ev := Event{Kind: EventReconnecting, SessionID: sessionID, Attempt: attempt}
		if !s.transition(gen, types.ChannelReconnecting, attempt, ev) {
			return
		}
		s.logger.Warn("channel lost, reconnecting",
			"session_id", sessionID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// read forwards frames until the connection drops or ctx is cancelled.
func (s *Supervisor) read(ctx context.Context, gen uint64, sessionID types.SessionID, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		frame, err := conn.Next()
		if err != nil {
			return err
		}
		ev := Event{Kind: EventServer, SessionID: sessionID, Name: frame.Name, Payload: frame.Payload}
		if !s.forward(gen, ev) {
			return nil
		}
	}
}
