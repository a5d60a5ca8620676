package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ProcessOption configures the process backend.
type ProcessOption func(*Process)

// WithProcessEnv appends KEY=value entries to the child's environment.
// The child inherits nothing from the host but PATH.
func WithProcessEnv(env ...string) ProcessOption {
	return func(p *Process) {
		p.env = append(p.env, env...)
	}
}

// WithProcessDir sets the child's working directory.
func WithProcessDir(dir string) ProcessOption {
	return func(p *Process) {
		p.dir = dir
	}
}

// WithProcessLogger sets the logger used for child diagnostics.
func WithProcessLogger(l *zap.Logger) ProcessOption {
	return func(p *Process) {
		if l != nil {
			p.logger = l
		}
	}
}

// Process spawns each worker as a child process. The child reads one JSON
// command per line on stdin and writes one JSON event per line on stdout;
// stderr is kept for diagnostics only.
type Process struct {
	path        string
	args        []string
	env         []string
	dir         string
	stderrLimit int
	logger      *zap.Logger
}

// NewProcess returns a backend that runs path with args for every worker.
func NewProcess(path string, args []string, opts ...ProcessOption) *Process {
	p := &Process{
		path:        path,
		args:        args,
		stderrLimit: 16 * 1024,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spawn starts a fresh child process.
func (p *Process) Spawn(h Handlers) (Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = childEnv(p.env)
	cmd.Dir = p.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := newTailBuffer(p.stderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", p.path, err)
	}

	w := &processWorker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		port:   newPort(h),
		inbox:  make(chan []byte, inboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: p.logger.With(zap.Int("pid", cmd.Process.Pid)),
	}

	readDone := make(chan struct{})
	go w.writeLoop()
	go w.readLoop(readDone)
	go w.wait(readDone)

	return w, nil
}

type processWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
	port   *port
	inbox  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu         sync.Mutex
	terminated bool
	exited     bool
}

func (w *processWorker) PostMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated || w.exited {
		return ErrTerminated
	}

	select {
	case w.inbox <- data:
		return nil
	default:
		return ErrInboxFull
	}
}

func (w *processWorker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return
	}
	w.terminated = true
	w.port.close()
	w.cancel()
}

func (w *processWorker) Done() <-chan struct{} {
	return w.done
}

func (w *processWorker) writeLoop() {
	defer w.stdin.Close()

	for {
		select {
		case <-w.done:
			return
		case data := <-w.inbox:
			msg := append(bytes.Clone(data), '\n')
			if _, err := w.stdin.Write(msg); err != nil {
				w.logger.Debug("worker stdin closed", zap.Error(err))
				return
			}
		}
	}
}

func (w *processWorker) readLoop(readDone chan<- struct{}) {
	defer close(readDone)

	r := bufio.NewReader(w.stdout)
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimRight(line, "\r\n"); len(line) > 0 {
			w.port.post(line)
		}
		if err != nil {
			return
		}
	}
}

func (w *processWorker) wait(readDone <-chan struct{}) {
	// Wait must not run before stdout is drained.
	<-readDone
	err := w.cmd.Wait()

	w.mu.Lock()
	w.exited = true
	terminated := w.terminated
	w.mu.Unlock()

	close(w.done)

	if terminated {
		return
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("worker exited with code %d", exitErr.ExitCode())
		}
		if tail := strings.TrimSpace(w.stderr.String()); tail != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(tail))
		}
		w.logger.Warn("worker failed", zap.Error(err))
		w.port.fail(err)
		return
	}
	w.logger.Debug("worker exited")
}

// childEnv keeps the host's PATH so the interpreter can be found, and
// nothing else from the host.
func childEnv(extra []string) []string {
	env := make([]string, 0, len(extra)+1)
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	return append(env, extra...)
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx != -1 {
		return s[idx+1:]
	}
	return s
}
