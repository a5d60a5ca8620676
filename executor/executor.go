package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pyground/protocol"
	"github.com/caffeineduck/pyground/worker"
	"go.uber.org/zap"
)

// Result holds the output and outcome of a run driven by Executor.Run.
type Result struct {
	Output   string
	Duration time.Duration
	State    State
	Error    error
}

// Executor creates sessions on top of a worker factory.
type Executor struct {
	factory worker.Factory
	cfg     executorConfig
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// New creates an Executor that spawns one worker per session from factory.
func New(factory worker.Factory, opts ...ExecutorOption) (*Executor, error) {
	if factory == nil {
		return nil, errors.New("executor: nil worker factory")
	}

	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Executor{
		factory:  factory,
		cfg:      cfg,
		logger:   cfg.logger,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// NewSession spawns a fresh worker and binds it to a new session whose
// events are delivered to onEvent. onEvent is never called concurrently
// with itself.
func (e *Executor) NewSession(onEvent func(protocol.Event), opts ...SessionOption) (*Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, &CreationError{Err: ErrExecutorClosed}
	}

	cfg := defaultSessionConfig()
	for _, opt := range e.cfg.sessionOpts {
		opt(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := newSession(e, cfg, onEvent)
	w, err := e.factory.Spawn(worker.Handlers{
		OnMessage: s.handleMessage,
		OnError:   s.handleError,
	})
	if err != nil {
		s.logger.Warn("worker creation failed", zap.Error(err))
		return nil, &CreationError{Err: err}
	}
	s.worker = w

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		w.Terminate()
		return nil, &CreationError{Err: ErrExecutorClosed}
	}
	e.sessions[s] = struct{}{}
	e.mu.Unlock()

	s.logger.Debug("session created")
	return s, nil
}

// Run executes code in a new session and waits for it to finish. Events
// are passed to onEvent as they arrive when it is not nil. Cancelling ctx
// cancels the session.
func (e *Executor) Run(ctx context.Context, code string, onEvent func(protocol.Event), opts ...SessionOption) Result {
	start := time.Now()

	var (
		mu     sync.Mutex
		output strings.Builder
		runErr error
	)
	s, err := e.NewSession(func(ev protocol.Event) {
		mu.Lock()
		switch ev.Kind {
		case protocol.EventOutput:
			output.WriteString(ev.Text)
		case protocol.EventError:
			runErr = errors.New(strings.TrimRight(ev.Text, "\n"))
		}
		mu.Unlock()
		if onEvent != nil {
			onEvent(ev)
		}
	}, opts...)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start), State: StateFailed}
	}
	defer s.Close()

	if err := s.Start(code); err != nil {
		return Result{Error: err, Duration: time.Since(start), State: StateFailed}
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel()
		<-s.Done()
	}

	mu.Lock()
	defer mu.Unlock()

	result := Result{
		Output:   output.String(),
		Duration: time.Since(start),
		State:    s.State(),
		Error:    runErr,
	}
	if result.State == StateCancelled {
		result.Error = ctx.Err()
	}
	return result
}

func (e *Executor) forget(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

// Close disposes every live session and releases the worker factory when it
// holds resources of its own.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.Close()
	}

	if c, ok := e.factory.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
