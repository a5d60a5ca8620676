package executor

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/pyground/protocol"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionBusy    = errors.New("session busy")
	ErrExecutorClosed = errors.New("executor closed")
)

// CreationError reports that no worker could be stood up for a session.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create worker: %v", e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// DispatchError reports that a command could not be handed to the worker.
type DispatchError struct {
	Command protocol.CommandKind
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Command, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
