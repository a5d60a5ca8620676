package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/pyground/protocol"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// Language is the interpreter adapter the WASM backend runs.
type Language interface {
	// Name identifies the interpreter in logs and errors.
	Name() string
	// Module returns the interpreter's WASI binary.
	Module() ([]byte, error)
	// WrapCode turns user source into the program handed to the interpreter.
	WrapCode(code string) string
	// Args returns the interpreter command line for a wrapped program.
	Args(wrappedCode string) []string
}

// Memory limit constants for convenience. Each page is 64KB.
const (
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

// WASMOption configures the WASM backend at creation time.
type WASMOption func(*wasmConfig)

type wasmConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       bool
	memoryLimitPages uint32
	env              map[string]string
	stderrLimit      int
	logger           *zap.Logger
}

func defaultWASMConfig() wasmConfig {
	return wasmConfig{
		env:         make(map[string]string),
		stderrLimit: 64 * 1024,
		logger:      zap.NewNop(),
	}
}

// WithDiskCache enables a persistent compilation cache. Optionally provide a
// directory; otherwise ~/.cache/pyground or XDG_CACHE_HOME/pyground is used.
func WithDiskCache(dir ...string) WASMOption {
	return func(c *wasmConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the interpreter when the backend is created
// instead of on the first Spawn.
func WithPrecompile() WASMOption {
	return func(c *wasmConfig) {
		c.precompile = true
	}
}

// WithMemoryLimit caps the linear memory of every worker, in 64KB pages.
// Zero keeps the wazero default (4GB).
func WithMemoryLimit(pages uint32) WASMOption {
	return func(c *wasmConfig) {
		c.memoryLimitPages = pages
	}
}

// WithWASMEnv sets an environment variable visible to every worker.
func WithWASMEnv(key, value string) WASMOption {
	return func(c *wasmConfig) {
		c.env[key] = value
	}
}

// WithWASMLogger sets the logger used for backend diagnostics.
func WithWASMLogger(l *zap.Logger) WASMOption {
	return func(c *wasmConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WASM spawns workers as wazero module instances. The runtime and the
// compiled interpreter are shared; every worker gets its own instance and
// therefore its own memory and globals.
type WASM struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	lang     Language
	cfg      wasmConfig
	compiled wazero.CompiledModule

	mu     sync.RWMutex
	closed bool
}

// NewWASM creates a WASM backend for lang.
func NewWASM(ctx context.Context, lang Language, opts ...WASMOption) (*WASM, error) {
	cfg := defaultWASMConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	b := &WASM{
		runtime: rt,
		cache:   cache,
		lang:    lang,
		cfg:     cfg,
	}

	if cfg.precompile {
		if _, err := b.getCompiled(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("precompile %s: %w", lang.Name(), err)
		}
	}

	return b, nil
}

// getCompiled returns the compiled interpreter, compiling it if necessary.
func (b *WASM) getCompiled(ctx context.Context) (wazero.CompiledModule, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, errors.New("wasm backend closed")
	}
	if b.compiled != nil {
		b.mu.RUnlock()
		return b.compiled, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.compiled != nil {
		return b.compiled, nil
	}

	bin, err := b.lang.Module()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", b.lang.Name(), err)
	}

	compiled, err := b.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", b.lang.Name(), err)
	}

	b.compiled = compiled
	b.cfg.logger.Debug("compiled interpreter",
		zap.String("language", b.lang.Name()),
		zap.Int("bytes", len(bin)))
	return compiled, nil
}

// Spawn creates a fresh worker instance.
func (b *WASM) Spawn(h Handlers) (Worker, error) {
	compiled, err := b.getCompiled(context.Background())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &wasmWorker{
		backend:  b,
		compiled: compiled,
		port:     newPort(h),
		inbox:    make(chan []byte, inboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	return w, nil
}

// Close releases the runtime and the compilation cache. Workers still
// running are closed with it.
func (b *WASM) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	ctx := context.Background()

	var errs []error
	if err := b.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if b.cache != nil {
		if err := b.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wasmWorker plays the role of the interpreter's message loop: it decodes
// host commands, runs the program once, and turns stdout lines, exit
// status and stop requests into protocol events.
type wasmWorker struct {
	backend  *WASM
	compiled wazero.CompiledModule
	port     *port
	inbox    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	terminated bool
	ran        bool
}

func (w *wasmWorker) PostMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated || w.ctx.Err() != nil {
		return ErrTerminated
	}

	select {
	case w.inbox <- data:
		return nil
	default:
		return ErrInboxFull
	}
}

func (w *wasmWorker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return
	}
	w.terminated = true
	w.port.close()
	w.cancel()
}

func (w *wasmWorker) Done() <-chan struct{} {
	return w.done
}

func (w *wasmWorker) emit(e protocol.Event) {
	w.port.post(protocol.MustEncodeEvent(e))
}

func (w *wasmWorker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case data := <-w.inbox:
			cmd, err := protocol.DecodeCommand(data)
			if err != nil {
				w.backend.cfg.logger.Debug("worker ignored message", zap.Error(err))
				continue
			}

			switch cmd.Kind {
			case protocol.CommandRun:
				if w.ran {
					w.emit(protocol.Error("worker already ran a program"))
					continue
				}
				w.ran = true
				w.wg.Add(1)
				go w.execute(cmd.Code)
			case protocol.CommandStop:
				w.emit(protocol.Error(stoppedText))
				// Closing the worker from the inside: the program is
				// interrupted but already posted events are still delivered.
				w.cancel()
				return
			}
		}
	}
}

func (w *wasmWorker) execute(code string) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.port.fail(fmt.Errorf("worker panic: %v", r))
		}
	}()

	lang := w.backend.lang
	stdout := newLineWriter(func(line string) {
		w.emit(protocol.Output(line))
	})
	stderr := newTailBuffer(w.backend.cfg.stderrLimit)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(lang.Args(lang.WrapCode(code))...).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithName("")

	for k, v := range w.backend.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := w.backend.runtime.InstantiateModule(w.ctx, w.compiled, moduleConfig)
	if mod != nil {
		mod.Close(context.Background())
	}
	stdout.Flush()

	if w.ctx.Err() != nil {
		// Stopped or terminated; whoever did that has reported it.
		return
	}

	var exitErr *sys.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		if diag := stderr.String(); diag != "" {
			w.emit(protocol.Output(diag))
		}
		w.emit(protocol.Done())
	case exitErr != nil:
		w.emit(protocol.Error(exitText(stderr.String(), exitErr.ExitCode())))
	default:
		w.port.fail(fmt.Errorf("instantiate %s: %w", lang.Name(), err))
	}
	w.cancel()
}

func exitText(stderr string, code uint32) string {
	if text := strings.TrimRight(stderr, "\n"); text != "" {
		return text
	}
	return fmt.Sprintf("exit code %d", code)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pyground")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pyground")
	}
	return filepath.Join(os.TempDir(), "pyground-cache")
}
