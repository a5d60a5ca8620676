// Package playground is the host side of the scratchpad: it owns the
// editor text, the output pane and the "run in progress" flag, creates one
// execution session per run and forwards its events to the console.
//
// All state is owned by a single event-loop goroutine. Public methods and
// session events are posted to that loop and run one at a time, so the
// flag and the output buffer need no locking.
package playground

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/caffeineduck/pyground/codec"
	"github.com/caffeineduck/pyground/executor"
	"github.com/caffeineduck/pyground/protocol"
	"github.com/caffeineduck/pyground/store"
	"go.uber.org/zap"
)

// StoppedMarker is appended to the output when the user stops a run.
const StoppedMarker = "\n--- Execution stopped by user ---\n"

// ErrClosed is returned by every method once Close has been called.
var ErrClosed = errors.New("playground closed")

// Console is the output pane.
type Console interface {
	Clear()
	Append(text string)
	SetRunning(running bool)
}

// CodeStore persists the editor text.
type CodeStore interface {
	Load(ctx context.Context) (string, bool, error)
	Save(ctx context.Context, code string) error
}

// Sessions creates execution sessions. *executor.Executor implements it.
type Sessions interface {
	NewSession(onEvent func(protocol.Event), opts ...executor.SessionOption) (*executor.Session, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithShareHook registers fn to receive the share token every time the
// editor text changes.
func WithShareHook(fn func(token string)) Option {
	return func(c *Controller) {
		c.shareHook = fn
	}
}

// WithSessionOptions passes opts to every session the controller creates.
func WithSessionOptions(opts ...executor.SessionOption) Option {
	return func(c *Controller) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// Controller drives runs for one editor.
type Controller struct {
	sessions    Sessions
	console     Console
	store       CodeStore
	logger      *zap.Logger
	shareHook   func(string)
	sessionOpts []executor.SessionOption

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop.
	code       string
	token      string
	output     strings.Builder
	running    bool
	session    *executor.Session
	generation uint64
}

// New starts a controller. Call Start to load the initial code.
func New(sessions Sessions, console Console, store CodeStore, opts ...Option) *Controller {
	c := &Controller{
		sessions: sessions,
		console:  console,
		store:    store,
		logger:   zap.NewNop(),
		ops:      make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting.
func (c *Controller) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// Start loads the initial editor text: the code carried by fragment if it
// decodes, else the stored code, else store.DefaultCode. A fragment that
// does not decode is ignored.
func (c *Controller) Start(ctx context.Context, fragment string) (string, error) {
	code, ok := codec.FromFragment(fragment)
	if !ok {
		if fragment != "" && fragment != "#" {
			c.logger.Debug("ignoring undecodable fragment", zap.Int("length", len(fragment)))
		}
		code, ok = c.load(ctx)
	}
	if !ok {
		code = store.DefaultCode
	}

	if err := c.SetCode(ctx, code); err != nil {
		return "", err
	}
	return code, nil
}

func (c *Controller) load(ctx context.Context) (string, bool) {
	if c.store == nil {
		return "", false
	}
	code, ok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("load saved code", zap.Error(err))
		return "", false
	}
	return code, ok
}

// SetCode replaces the editor text, refreshes the share token and saves
// the text. Text over codec.MaxTextSize is rejected with codec.ErrTooLarge
// and leaves the editor unchanged.
func (c *Controller) SetCode(ctx context.Context, code string) error {
	if err := codec.CheckSize(code); err != nil {
		return err
	}
	token := codec.Encode(code)
	err := c.do(func() {
		c.code = code
		c.token = token
		if c.shareHook != nil {
			c.shareHook(token)
		}
	})
	if err != nil {
		return err
	}

	if c.store != nil {
		if err := c.store.Save(ctx, code); err != nil {
			c.logger.Warn("save code", zap.Error(err))
			return fmt.Errorf("save code: %w", err)
		}
	}
	return nil
}

// Run executes the current editor text in a fresh session. It does
// nothing while a run is in progress.
func (c *Controller) Run() error {
	return c.do(c.run)
}

func (c *Controller) run() {
	if c.running {
		c.logger.Debug("run ignored, already running")
		return
	}

	c.output.Reset()
	c.console.Clear()
	c.setRunning(true)

	c.generation++
	gen := c.generation

	s, err := c.sessions.NewSession(func(ev protocol.Event) {
		c.post(func() { c.handle(gen, ev) })
	}, c.sessionOpts...)
	if err != nil {
		c.logger.Warn("create session", zap.Error(err))
		c.append(fmt.Sprintf("Failed to create runner: %v\n", err))
		c.setRunning(false)
		return
	}

	if err := s.Start(c.code); err != nil {
		c.logger.Warn("start session", zap.String("session", s.ID()), zap.Error(err))
		s.Close()
		c.append(fmt.Sprintf("Failed to start execution: %v\n", err))
		c.setRunning(false)
		return
	}

	c.session = s
	c.logger.Info("run started", zap.String("session", s.ID()))
}

// handle applies an event from the session of generation gen.
func (c *Controller) handle(gen uint64, ev protocol.Event) {
	if gen != c.generation || !c.running {
		return
	}

	switch ev.Kind {
	case protocol.EventOutput:
		c.append(ev.Text)
	case protocol.EventError:
		c.append("Error: " + ev.Text + "\n")
		c.finish()
	case protocol.EventDone:
		c.finish()
	}
}

func (c *Controller) finish() {
	if c.session != nil {
		c.logger.Info("run finished",
			zap.String("session", c.session.ID()),
			zap.Stringer("state", c.session.State()))
	}
	c.session = nil
	c.setRunning(false)
}

// Stop cancels the run in progress. The controller goes idle at once,
// whether or not the worker acknowledges. It does nothing when idle.
func (c *Controller) Stop() error {
	return c.do(c.stop)
}

func (c *Controller) stop() {
	if !c.running {
		return
	}

	if c.session != nil {
		if err := c.session.Cancel(); err != nil {
			c.logger.Debug("cancel session", zap.Error(err))
		}
		c.logger.Info("run stopped", zap.String("session", c.session.ID()))
	}
	c.session = nil
	c.generation++
	c.append(StoppedMarker)
	c.setRunning(false)
}

func (c *Controller) append(text string) {
	c.output.WriteString(text)
	c.console.Append(text)
}

func (c *Controller) setRunning(running bool) {
	c.running = running
	c.console.SetRunning(running)
}

// Code returns the current editor text.
func (c *Controller) Code() string {
	var code string
	c.do(func() { code = c.code })
	return code
}

// Output returns everything appended to the console since the last run
// started.
func (c *Controller) Output() string {
	var out string
	c.do(func() { out = c.output.String() })
	return out
}

// Running reports whether a run is in progress.
func (c *Controller) Running() bool {
	var running bool
	c.do(func() { running = c.running })
	return running
}

// ShareToken returns the share token of the current editor text.
func (c *Controller) ShareToken() string {
	var token string
	c.do(func() { token = c.token })
	return token
}

// Close disposes the live session, if any, and stops the loop.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.do(func() {
			if c.session != nil {
				c.session.Close()
				c.session = nil
			}
			c.generation++
			c.running = false
		})
		close(c.quit)
		<-c.done
	})
	return nil
}
