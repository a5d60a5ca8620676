package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caffeineduck/pyground/executor"
	"github.com/caffeineduck/pyground/internal/config"
	"github.com/caffeineduck/pyground/internal/logging"
	"github.com/caffeineduck/pyground/language/python"
	"github.com/caffeineduck/pyground/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errFailed is returned by commands that already reported their failure.
var errFailed = errors.New("failed")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pyground [file]",
		Short: "Python scratchpad with isolated workers and shareable links",
		Long: `pyground - Run Python snippets in isolated workers.

Every run gets a fresh worker: a WebAssembly interpreter instance (wasm
backend) or a child interpreter process (process backend). The source can
be packed into a URL fragment and shared.

Run code from files, inline strings, or stdin, start an interactive
REPL, or serve the browser playground.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRun,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (YAML)")
	flags.String("backend", "", "Worker backend: wasm (sandboxed, default), process (host python, unsandboxed)")
	flags.String("wasm", "", "Path to the Python WASI interpreter")
	flags.String("interpreter", "", "Host Python for the process backend")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("no-cache", false, "Disable compilation cache")

	// The root command runs code by default.
	addRunFlags(root)

	root.AddCommand(newRunCmd(), newReplCmd(), newServeCmd(), newShareCmd(), newFetchCmd())
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// app is the configuration and logger shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if v, _ := flags.GetString("backend"); v != "" {
		cfg.Backend = v
	}
	if v, _ := flags.GetString("wasm"); v != "" {
		cfg.WASM.Path = v
	}
	if v, _ := flags.GetString("interpreter"); v != "" {
		cfg.Process.Interpreter = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if noCache, _ := flags.GetBool("no-cache"); noCache {
		cfg.WASM.DiskCache = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// newFactory builds the worker backend selected by the configuration.
func (a *app) newFactory(ctx context.Context) (worker.Factory, error) {
	switch a.cfg.Backend {
	case config.BackendWASM:
		var opts []worker.WASMOption
		if a.cfg.WASM.DiskCache {
			opts = append(opts, worker.WithDiskCache(a.cfg.WASM.CacheDir))
		}
		if pages := a.cfg.MemoryLimitPages(); pages > 0 {
			opts = append(opts, worker.WithMemoryLimit(pages))
		}
		for k, v := range a.cfg.WASM.Env {
			opts = append(opts, worker.WithWASMEnv(k, v))
		}
		opts = append(opts, worker.WithWASMLogger(a.logger.Named("wasm")))
		return worker.NewWASM(ctx, python.New(python.WithModulePath(a.cfg.WASM.Path)), opts...)
	case config.BackendProcess:
		argv := python.ProcessCommand(a.cfg.Process.Interpreter)
		return worker.NewProcess(argv[0], argv[1:],
			worker.WithProcessEnv(a.cfg.Process.Env...),
			worker.WithProcessDir(a.cfg.Process.Dir),
			worker.WithProcessLogger(a.logger.Named("process")),
		), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}

func (a *app) newExecutor(ctx context.Context) (*executor.Executor, error) {
	factory, err := a.newFactory(ctx)
	if err != nil {
		return nil, err
	}
	return executor.New(factory,
		executor.WithLogger(a.logger.Named("executor")),
		executor.WithSessionDefaults(
			executor.WithCancelGrace(a.cfg.Session.CancelGrace),
			executor.WithRunTimeout(a.cfg.Session.RunTimeout),
		),
	)
}

// shareBase is the page that CLI share links point at.
func (a *app) shareBase() string {
	if a.cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(a.cfg.Server.PublicURL, "/") + "/"
	}
	return "http://" + a.cfg.Addr() + "/"
}
