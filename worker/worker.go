// Package worker provides isolated execution contexts that talk to their
// host exclusively through serialized messages.
//
// A Worker accepts host-to-worker payloads through PostMessage and delivers
// worker-to-host payloads to the Handlers it was spawned with. Deliveries
// from one worker arrive one at a time, in the order the worker produced
// them, on a goroutine owned by the worker. Once Terminate has been called
// no further deliveries start.
//
// Two backends are provided: [WASM] runs each worker as a fresh wazero
// module instance of an interpreter compiled to WASI, and [Process] runs each
// worker as a child process speaking the JSON wire format on stdin/stdout.
package worker

import "errors"

var (
	// ErrTerminated is returned by PostMessage once the worker is gone.
	ErrTerminated = errors.New("worker terminated")
	// ErrInboxFull is returned by PostMessage when the worker has not
	// consumed earlier messages yet.
	ErrInboxFull = errors.New("worker inbox full")
)

// stoppedText is what a worker reports when it honors a stop request.
const stoppedText = "Execution stopped by user\n"

// inboxSize bounds the number of undelivered host-to-worker messages.
const inboxSize = 16

// Handlers receive everything a worker sends to its host.
type Handlers struct {
	// OnMessage receives one serialized worker-to-host payload.
	OnMessage func(data []byte)
	// OnError reports a failure of the worker itself, outside the message
	// protocol (crash, instantiate failure, unexpected exit).
	OnError func(err error)
}

// Worker is one isolated execution context.
type Worker interface {
	// PostMessage hands a serialized payload to the worker. It never blocks
	// on I/O.
	PostMessage(data []byte) error
	// Terminate stops the worker immediately. It is idempotent, does not
	// wait, and is safe to call from a handler.
	Terminate()
	// Done is closed once the worker has fully stopped.
	Done() <-chan struct{}
}

// Factory spawns fresh workers. Workers are never reused.
type Factory interface {
	Spawn(h Handlers) (Worker, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(h Handlers) (Worker, error)

// Spawn calls f(h).
func (f FactoryFunc) Spawn(h Handlers) (Worker, error) {
	return f(h)
}
