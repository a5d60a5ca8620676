package main

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/pyground/internal/download"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Download the Python WASI interpreter",
		Long: `Download a Python interpreter compiled to WASI for the wasm backend.

The binary is saved to the configured wasm path (--wasm, or wasm.path in
the config file). The URL defaults to wasm.url from the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runFetch,
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing interpreter")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	src := a.cfg.WASM.URL
	if len(args) > 0 {
		src = args[0]
	}
	if src == "" {
		return errors.New("no interpreter url: pass one or set wasm.url")
	}
	force, _ := cmd.Flags().GetBool("force")

	n, err := download.File(cmd.Context(), nil, src, a.cfg.WASM.Path, force)
	if errors.Is(err, download.ErrExists) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s already exists (use --force to replace it)\n", a.cfg.WASM.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", src, err)
	}

	a.logger.Info("interpreter downloaded",
		zap.String("url", src),
		zap.String("path", a.cfg.WASM.Path),
		zap.Int64("bytes", n))
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", a.cfg.WASM.Path, n)
	return nil
}
