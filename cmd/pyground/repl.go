package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/pyground/codec"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive loop, one fresh worker per snippet",
		Long: `Start an interactive REPL (Read-Eval-Print Loop).

Each snippet runs in a fresh worker, so no state carries over between
snippets.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - :share prints a link for the last snippet

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.pyground_history)")
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pyground_history")
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	exec, err := a.newExecutor(cmd.Context())
	if err != nil {
		return err
	}
	defer exec.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	stdout, stderr := rl.Stdout(), rl.Stderr()
	fmt.Fprintf(stderr, "pyground %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", a.cfg.Backend)

	var (
		multiLine   strings.Builder
		inMultiLine bool
		last        string
	)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(stdout)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case ":share":
			if last == "" {
				fmt.Fprintln(stderr, "nothing to share yet")
				continue
			}
			fmt.Fprintln(stdout, a.shareBase()+codec.Fragment(last))
			continue
		}

		last = line
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		result := execute(ctx, exec, line, stdout, stderr)
		stop()

		if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
			fmt.Fprintln(stdout)
		}
	}
}
