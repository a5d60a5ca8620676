package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"

	"github.com/caffeineduck/pyground/executor"
	"github.com/caffeineduck/pyground/playground"
	"github.com/caffeineduck/pyground/protocol"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run code in a fresh worker",
		Long: `Execute Python code in a fresh isolated worker.

Code can be provided via:
  - File argument: pyground run script.py
  - Inline flag: pyground run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | pyground run

Output is streamed as it is produced. Ctrl+C stops the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
}

// readSource returns the program from -c, the file argument or stdin, in
// that order. ok is false when nothing was given.
func readSource(cmd *cobra.Command, args []string) (string, bool, error) {
	if code, _ := cmd.Flags().GetString("code"); code != "" {
		return code, true, nil
	}
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		// Don't block on an interactive terminal.
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", false, nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", false, err
	}
	return string(data), len(data) > 0, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, ok, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if !ok {
		return cmd.Help()
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	exec, err := a.newExecutor(ctx)
	if err != nil {
		return err
	}
	defer exec.Close()

	result := execute(ctx, exec, source, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if result.State != executor.StateCompleted {
		return errFailed
	}
	return nil
}

// execute runs source and streams its events: output to stdout, errors
// and the stop marker to stderr.
func execute(ctx context.Context, exec *executor.Executor, source string, stdout, stderr io.Writer) executor.Result {
	result := exec.Run(ctx, source, func(ev protocol.Event) {
		switch ev.Kind {
		case protocol.EventOutput:
			fmt.Fprint(stdout, ev.Text)
		case protocol.EventError:
			fmt.Fprintf(stderr, "Error: %s\n", ev.Text)
		}
	})

	var creationErr *executor.CreationError
	var dispatchErr *executor.DispatchError
	switch {
	case errors.As(result.Error, &creationErr):
		fmt.Fprintf(stderr, "Failed to create runner: %v\n", result.Error)
		if errors.Is(result.Error, fs.ErrNotExist) {
			fmt.Fprintln(stderr, "Download the interpreter with 'pyground fetch', or use --backend process.")
		}
	case errors.As(result.Error, &dispatchErr):
		fmt.Fprintf(stderr, "Failed to start execution: %v\n", result.Error)
	case result.State == executor.StateCancelled:
		fmt.Fprint(stderr, playground.StoppedMarker)
	}
	return result
}
