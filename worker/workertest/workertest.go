// Package workertest provides an in-memory worker.Factory for testing code
// built on top of workers without starting interpreters.
package workertest

import (
	"strings"
	"sync"

	"github.com/caffeineduck/pyground/protocol"
	"github.com/caffeineduck/pyground/worker"
)

// StoppedText is what the scripted workers report when they honor stop.
const StoppedText = "Execution stopped by user\n"

// Script decides how a fake worker reacts to each command it receives.
type Script func(w *Worker, cmd protocol.Command)

// Echo prints every line of the program and completes. Programs starting
// with "error:" fail with the rest of the text, and "hang" never finishes.
// Stop is acknowledged.
func Echo(w *Worker, cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.CommandRun:
		switch {
		case cmd.Code == "hang":
		case strings.HasPrefix(cmd.Code, "error:"):
			w.Emit(protocol.Error(strings.TrimPrefix(cmd.Code, "error:")))
		default:
			for _, line := range strings.Split(cmd.Code, "\n") {
				w.Emit(protocol.Output(line + "\n"))
			}
			w.Emit(protocol.Done())
		}
	case protocol.CommandStop:
		w.Emit(protocol.Error(StoppedText))
	}
}

// Deaf never answers anything, stop included.
func Deaf(w *Worker, cmd protocol.Command) {}

// Factory spawns scripted fake workers and remembers them.
type Factory struct {
	script Script

	mu       sync.Mutex
	spawnErr error
	workers  []*Worker
}

// NewFactory returns a factory whose workers follow script.
func NewFactory(script Script) *Factory {
	return &Factory{script: script}
}

// FailSpawn makes every following Spawn return err. Pass nil to undo.
func (f *Factory) FailSpawn(err error) {
	f.mu.Lock()
	f.spawnErr = err
	f.mu.Unlock()
}

// Spawn implements worker.Factory.
func (f *Factory) Spawn(h worker.Handlers) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	w := &Worker{
		script:   f.script,
		handlers: h,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.deliver()
	f.workers = append(f.workers, w)
	return w, nil
}

// Workers returns every worker spawned so far.
func (f *Factory) Workers() []*Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Worker(nil), f.workers...)
}

// Last returns the most recently spawned worker, or nil.
func (f *Factory) Last() *Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.workers) == 0 {
		return nil
	}
	return f.workers[len(f.workers)-1]
}

type item struct {
	data []byte
	err  error
}

// Worker is a fake worker.Worker. Deliveries are queued and handed to the
// handlers from a separate goroutine, in order, like a real worker.
type Worker struct {
	script   Script
	handlers worker.Handlers

	mu         sync.Mutex
	queue      []item
	received   []protocol.Command
	postErr    error
	terminated bool

	wake chan struct{}
	done chan struct{}
}

// PostMessage implements worker.Worker.
func (w *Worker) PostMessage(data []byte) error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return worker.ErrTerminated
	}
	if w.postErr != nil {
		err := w.postErr
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		return nil
	}

	w.mu.Lock()
	w.received = append(w.received, cmd)
	w.mu.Unlock()

	w.script(w, cmd)
	return nil
}

// Terminate implements worker.Worker.
func (w *Worker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return
	}
	w.terminated = true
	w.queue = nil
	close(w.done)
}

// Done implements worker.Worker.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// FailPosts makes PostMessage return err from now on.
func (w *Worker) FailPosts(err error) {
	w.mu.Lock()
	w.postErr = err
	w.mu.Unlock()
}

// Emit queues an event for the host.
func (w *Worker) Emit(e protocol.Event) {
	w.EmitRaw(protocol.MustEncodeEvent(e))
}

// EmitRaw queues an arbitrary payload for the host.
func (w *Worker) EmitRaw(data []byte) {
	w.push(item{data: data})
}

// Crash reports an out-of-band worker failure.
func (w *Worker) Crash(err error) {
	w.push(item{err: err})
}

// Terminated reports whether Terminate has been called.
func (w *Worker) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

// Received returns the commands the worker decoded so far.
func (w *Worker) Received() []protocol.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Command(nil), w.received...)
}

func (w *Worker) push(it item) {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, it)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) deliver() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if w.terminated || len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			it := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			if it.err != nil {
				if w.handlers.OnError != nil {
					w.handlers.OnError(it.err)
				}
				continue
			}
			if w.handlers.OnMessage != nil {
				w.handlers.OnMessage(it.data)
			}
		}
	}
}
