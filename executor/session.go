package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/pyground/protocol"
	"github.com/caffeineduck/pyground/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// workerErrorText replaces any failure of the worker outside the protocol.
const workerErrorText = "Worker error occurred"

// State is the lifecycle stage of a session.
type State int

const (
	StateIdle      State = iota // created, no program started
	StateRunning                // program posted, events are forwarded
	StateCompleted              // the worker reported done
	StateFailed                 // the program or the worker failed
	StateCancelled              // cancelled by the host
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further events follow s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Session is one execution attempt bound to one worker.
//
// The session terminates its worker on every exit path: after delivering a
// terminal event, after a cancelled worker winds down or the cancel grace
// expires, and on Close. Once Close returns no further event delivery
// starts.
type Session struct {
	id      string
	created time.Time
	exec    *Executor
	cfg     sessionConfig
	onEvent func(protocol.Event)
	logger  *zap.Logger
	worker  worker.Worker

	// deliverMu serializes calls to onEvent.
	deliverMu sync.Mutex

	mu     sync.Mutex
	state  State
	closed bool
	timer  *time.Timer
	done   chan struct{}
}

func newSession(e *Executor, cfg sessionConfig, onEvent func(protocol.Event)) *Session {
	if onEvent == nil {
		onEvent = func(protocol.Event) {}
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		created: time.Now(),
		exec:    e,
		cfg:     cfg,
		onEvent: onEvent,
		logger:  e.logger.With(zap.String("session", id)),
		done:    make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has been disposed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start sends code to the worker. Output arrives through the event
// callback. A session runs at most one program.
func (s *Session) Start(code string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &DispatchError{Command: protocol.CommandRun, Err: ErrSessionClosed}
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return &DispatchError{Command: protocol.CommandRun, Err: ErrSessionBusy}
	}

	data, err := protocol.EncodeCommand(protocol.Run(code))
	if err != nil {
		s.mu.Unlock()
		return &DispatchError{Command: protocol.CommandRun, Err: err}
	}

	// Running before posting, so events racing the return are not dropped.
	s.state = StateRunning
	if err := s.worker.PostMessage(data); err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		s.logger.Debug("run dispatch failed", zap.Error(err))
		s.Close()
		return &DispatchError{Command: protocol.CommandRun, Err: err}
	}
	if s.cfg.runTimeout > 0 {
		s.timer = time.AfterFunc(s.cfg.runTimeout, s.expire)
	}
	s.mu.Unlock()

	s.logger.Debug("run started", zap.Int("bytes", len(code)))
	return nil
}

// Cancel asks the worker to stop and marks the session cancelled at once.
// Events that arrive afterwards are not forwarded. The worker is
// terminated when it exits on its own or when the cancel grace expires.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &DispatchError{Command: protocol.CommandStop, Err: ErrSessionClosed}
	}
	if s.state == StateCancelled {
		s.mu.Unlock()
		return nil
	}
	s.state = StateCancelled
	s.stopTimer()
	s.mu.Unlock()

	data, err := protocol.EncodeCommand(protocol.Stop())
	if err == nil {
		err = s.worker.PostMessage(data)
	}

	go s.reap()

	if err != nil {
		s.logger.Debug("stop dispatch failed", zap.Error(err))
		return &DispatchError{Command: protocol.CommandStop, Err: err}
	}
	s.logger.Debug("run cancelled")
	return nil
}

// reap disposes a cancelled session once its worker is gone or the grace
// period is over.
func (s *Session) reap() {
	grace := time.NewTimer(s.cfg.cancelGrace)
	defer grace.Stop()

	select {
	case <-s.worker.Done():
	case <-grace.C:
		s.logger.Debug("cancel grace expired, terminating worker")
	case <-s.done:
	}
	s.Close()
}

// Close terminates the worker and detaches the session from it. It is
// idempotent and safe to call from the event callback.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimer()
	state := s.state
	s.mu.Unlock()

	if s.worker != nil {
		s.worker.Terminate()
	}
	s.exec.forget(s)
	close(s.done)

	s.logger.Debug("session closed",
		zap.Stringer("state", state),
		zap.Duration("age", time.Since(s.created)))
	return nil
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) handleMessage(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		s.logger.Debug("dropped malformed worker message", zap.Error(err))
		return
	}
	s.deliver(ev)
}

func (s *Session) handleError(err error) {
	s.logger.Warn("worker failed", zap.Error(err))
	s.deliver(protocol.Error(workerErrorText))
}

func (s *Session) expire() {
	s.logger.Info("run timed out", zap.Duration("timeout", s.cfg.runTimeout))
	s.deliver(protocol.Error(fmt.Sprintf("Execution timed out after %v", s.cfg.runTimeout)))
}

// deliver forwards ev while the session is running and applies the state
// transition it implies. A terminal event disposes the session.
func (s *Session) deliver(ev protocol.Event) {
	s.deliverMu.Lock()

	s.mu.Lock()
	if s.closed || s.state != StateRunning {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return
	}
	switch ev.Kind {
	case protocol.EventError:
		s.state = StateFailed
	case protocol.EventDone:
		s.state = StateCompleted
	}
	s.mu.Unlock()

	s.onEvent(ev)
	s.deliverMu.Unlock()

	if ev.Terminal() {
		s.Close()
	}
}
