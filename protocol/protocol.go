// Package protocol defines the messages exchanged between a host and an
// execution worker.
//
// Every message is a JSON object whose "type" field selects the variant:
//
//	host -> worker   {"type":"run","code":"..."}   {"type":"stop"}
//	worker -> host   {"type":"output","text":"..."} {"type":"error","text":"..."} {"type":"done"}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandKind selects a host-to-worker message variant.
type CommandKind string

const (
	CommandRun  CommandKind = "run"
	CommandStop CommandKind = "stop"
)

// EventKind selects a worker-to-host message variant.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventError  EventKind = "error"
	EventDone   EventKind = "done"
)

// ErrUnknownType is returned when a message carries a type this package
// does not know.
var ErrUnknownType = errors.New("unknown message type")

// Command is a message sent from the host to a worker.
type Command struct {
	Kind CommandKind
	// Code is set for CommandRun only.
	Code string
}

// Run returns a command asking the worker to execute code.
func Run(code string) Command {
	return Command{Kind: CommandRun, Code: code}
}

// Stop returns a cooperative cancellation command.
func Stop() Command {
	return Command{Kind: CommandStop}
}

// Event is a message sent from a worker to the host.
type Event struct {
	Kind EventKind
	// Text is set for EventOutput and EventError.
	Text string
}

// Output returns an event carrying a chunk of program output.
func Output(text string) Event {
	return Event{Kind: EventOutput, Text: text}
}

// Error returns an event reporting a failure. It ends the run.
func Error(text string) Event {
	return Event{Kind: EventError, Text: text}
}

// Done returns the successful completion event.
func Done() Event {
	return Event{Kind: EventDone}
}

// Terminal reports whether no further events follow e for the same run.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventDone
}

func (e Event) String() string {
	if e.Kind == EventDone {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
}

type runMessage struct {
	Type CommandKind `json:"type"`
	Code string      `json:"code"`
}

type textMessage struct {
	Type EventKind `json:"type"`
	Text string    `json:"text"`
}

type bareMessage struct {
	Type string `json:"type"`
}

// envelope is used on the decode side; pointer fields tell a missing field
// apart from an empty one.
type envelope struct {
	Type string  `json:"type"`
	Code *string `json:"code"`
	Text *string `json:"text"`
}

// EncodeCommand serializes c to its wire form.
func EncodeCommand(c Command) ([]byte, error) {
	switch c.Kind {
	case CommandRun:
		return json.Marshal(runMessage{Type: CommandRun, Code: c.Code})
	case CommandStop:
		return json.Marshal(bareMessage{Type: string(CommandStop)})
	default:
		return nil, fmt.Errorf("encode command %q: %w", c.Kind, ErrUnknownType)
	}
}

// DecodeCommand parses a host-to-worker message.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	switch CommandKind(env.Type) {
	case CommandRun:
		if env.Code == nil {
			return Command{}, errors.New("decode command: run without code")
		}
		return Run(*env.Code), nil
	case CommandStop:
		return Stop(), nil
	default:
		return Command{}, fmt.Errorf("decode command %q: %w", env.Type, ErrUnknownType)
	}
}

// EncodeEvent serializes e to its wire form.
func EncodeEvent(e Event) ([]byte, error) {
	switch e.Kind {
	case EventOutput, EventError:
		return json.Marshal(textMessage{Type: e.Kind, Text: e.Text})
	case EventDone:
		return json.Marshal(bareMessage{Type: string(EventDone)})
	default:
		return nil, fmt.Errorf("encode event %q: %w", e.Kind, ErrUnknownType)
	}
}

// MustEncodeEvent is EncodeEvent for the fixed variants built by this
// package's constructors, which cannot fail to encode.
func MustEncodeEvent(e Event) []byte {
	data, err := EncodeEvent(e)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeEvent parses a worker-to-host message. Output and error events
// must carry a text field.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	switch EventKind(env.Type) {
	case EventOutput, EventError:
		if env.Text == nil {
			return Event{}, fmt.Errorf("decode event: %s without text", env.Type)
		}
		return Event{Kind: EventKind(env.Type), Text: *env.Text}, nil
	case EventDone:
		return Done(), nil
	default:
		return Event{}, fmt.Errorf("decode event %q: %w", env.Type, ErrUnknownType)
	}
}
