package executor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/pyground/protocol"
	"github.com/caffeineduck/pyground/worker"
	"github.com/caffeineduck/pyground/worker/workertest"
)

type collector struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *collector) add(e protocol.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func newTestExecutor(t *testing.T, script workertest.Script) (*Executor, *workertest.Factory) {
	t.Helper()
	f := workertest.NewFactory(script)
	exec, err := New(f)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec, f
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session not closed, state %v", s.State())
	}
}

func TestSessionRunCompletes(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	var c collector
	s, err := exec.NewSession(c.add)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("new session state = %v", s.State())
	}

	if err := s.Start("a\nb"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitClosed(t, s)

	want := []protocol.Event{protocol.Output("a\n"), protocol.Output("b\n"), protocol.Done()}
	got := c.snapshot()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}

	if s.State() != StateCompleted {
		t.Errorf("state = %v, want completed", s.State())
	}
	if !f.Last().Terminated() {
		t.Error("worker should be terminated after a terminal event")
	}
}

func TestSessionErrorEndsRun(t *testing.T) {
	exec, _ := newTestExecutor(t, workertest.Echo)

	var c collector
	s, err := exec.NewSession(c.add)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("error:NameError: name 'x' is not defined"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitClosed(t, s)

	got := c.snapshot()
	if len(got) != 1 || got[0] != protocol.Error("NameError: name 'x' is not defined") {
		t.Errorf("got %v", got)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestSessionStartWhileRunningIsRejected(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	s, err := exec.NewSession(nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer s.Close()

	if err := s.Start("hang"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	err = s.Start("print(1)")
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy dispatch error, got %v", err)
	}
	if dispatchErr.Command != protocol.CommandRun {
		t.Errorf("command = %q", dispatchErr.Command)
	}
	if n := len(f.Last().Received()); n != 1 {
		t.Errorf("worker received %d commands, want 1", n)
	}
	if n := len(f.Workers()); n != 1 {
		t.Errorf("spawned %d workers, want 1", n)
	}
}

func TestSessionDropsMalformedMessages(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Deaf)

	var c collector
	s, err := exec.NewSession(c.add)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("x"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	w := f.Last()
	w.EmitRaw([]byte("not json"))
	w.EmitRaw([]byte(`{"type":"progress","text":"50%"}`))
	w.EmitRaw([]byte(`{"type":"output"}`))
	w.Emit(protocol.Output("kept\n"))
	w.Emit(protocol.Done())
	waitClosed(t, s)

	got := c.snapshot()
	if len(got) != 2 || got[0] != protocol.Output("kept\n") || got[1] != protocol.Done() {
		t.Errorf("got %v", got)
	}
}

func TestSessionWorkerFailureBecomesError(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Deaf)

	var c collector
	s, err := exec.NewSession(c.add)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("x"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	f.Last().Crash(errors.New("wasm trap: out of bounds memory access"))
	waitClosed(t, s)

	got := c.snapshot()
	if len(got) != 1 || got[0] != protocol.Error("Worker error occurred") {
		t.Errorf("got %v", got)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v", s.State())
	}
}

func TestSessionCancel(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	var c collector
	s, err := exec.NewSession(c.add, WithCancelGrace(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("hang"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if s.State() != StateCancelled {
		t.Errorf("state right after cancel = %v", s.State())
	}
	if err := s.Cancel(); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}

	waitClosed(t, s)

	w := f.Last()
	received := w.Received()
	if len(received) != 2 || received[1].Kind != protocol.CommandStop {
		t.Errorf("worker received %v", received)
	}
	if !w.Terminated() {
		t.Error("worker should be terminated")
	}
	if got := c.snapshot(); len(got) != 0 {
		t.Errorf("stop acknowledgement should not be forwarded, got %v", got)
	}
}

func TestSessionCancelUncooperativeWorker(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Deaf)

	s, err := exec.NewSession(nil, WithCancelGrace(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("while True: pass"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Cancel()

	waitClosed(t, s)
	if !f.Last().Terminated() {
		t.Error("worker should be terminated after the grace period")
	}
}

func TestSessionCloseStopsDelivery(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Deaf)

	var c collector
	s, err := exec.NewSession(c.add)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("x"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	w := f.Last()
	w.Emit(protocol.Output("late\n"))
	w.Emit(protocol.Done())
	time.Sleep(20 * time.Millisecond)

	if got := c.snapshot(); len(got) != 0 {
		t.Errorf("no events expected after close, got %v", got)
	}
	if !w.Terminated() {
		t.Error("worker should be terminated")
	}
	if err := s.Start("x"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("start after close: %v", err)
	}
	if err := s.Cancel(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("cancel after close: %v", err)
	}
}

func TestSessionCreationError(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	spawnErr := errors.New("workers are disabled")
	f.FailSpawn(spawnErr)

	_, err := exec.NewSession(nil)
	var creationErr *CreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("expected CreationError, got %v", err)
	}
	if !errors.Is(err, spawnErr) {
		t.Errorf("expected wrapped spawn error, got %v", err)
	}
}

func TestSessionDispatchError(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	s, err := exec.NewSession(nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	f.Last().FailPosts(worker.ErrTerminated)

	err = s.Start("print(1)")
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || !errors.Is(err, worker.ErrTerminated) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v", s.State())
	}
	waitClosed(t, s)
}

func TestSessionRunTimeout(t *testing.T) {
	exec, _ := newTestExecutor(t, workertest.Deaf)

	var c collector
	s, err := exec.NewSession(c.add, WithRunTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := s.Start("x"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitClosed(t, s)

	got := c.snapshot()
	if len(got) != 1 || got[0] != protocol.Error("Execution timed out after 20ms") {
		t.Errorf("got %v", got)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v", s.State())
	}
}

func TestSessionsNeverShareWorkers(t *testing.T) {
	exec, f := newTestExecutor(t, workertest.Echo)

	a, err := exec.NewSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := exec.NewSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	if len(f.Workers()) != 2 {
		t.Errorf("expected one worker per session, got %d", len(f.Workers()))
	}
	if a.ID() == b.ID() || a.ID() == "" {
		t.Errorf("session ids should be unique: %q %q", a.ID(), b.ID())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateRunning, "running", false},
		{StateCompleted, "completed", true},
		{StateFailed, "failed", true},
		{StateCancelled, "cancelled", true},
		{State(42), "State(42)", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%v.Terminal() = %v", tt.state, got)
		}
	}
}
