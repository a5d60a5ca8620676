package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/pyground/internal/config"
	"github.com/caffeineduck/pyground/playground"
	"github.com/caffeineduck/pyground/server"
	"github.com/caffeineduck/pyground/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser playground",
		Long: `Start the playground web server.

Endpoints:
  GET    /                     Playground page
  GET    /ws                   Websocket driving one editor
  POST   /api/share            Encode {"code":"..."} into a share token
  GET    /api/share/{token}    Decode a share token
  GET    /health               Health check

The process backend runs code on the host unsandboxed, so serve only
accepts it on a loopback address unless --allow-unsandboxed is given.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "Host to listen on")
	cmd.Flags().IntP("port", "p", 0, "Port to listen on")
	cmd.Flags().String("store", "", "Code store database path")
	cmd.Flags().Bool("memory-store", false, "Keep saved code in memory only")
	cmd.Flags().Bool("allow-unsandboxed", false, "Serve the process backend on a non-loopback address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	if v, _ := cmd.Flags().GetString("host"); v != "" {
		a.cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		a.cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		a.cfg.Store.Path = v
	}
	memoryStore, _ := cmd.Flags().GetBool("memory-store")
	unsandboxed, _ := cmd.Flags().GetBool("allow-unsandboxed")

	if a.cfg.Backend == config.BackendProcess && !unsandboxed && !isLoopback(a.cfg.Server.Host) {
		return fmt.Errorf("refusing to serve the process backend on %s: it runs code unsandboxed on this host (use --allow-unsandboxed or --backend wasm)", a.cfg.Server.Host)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := a.newExecutor(ctx)
	if err != nil {
		return err
	}
	defer exec.Close()

	var codeStore playground.CodeStore
	if memoryStore {
		codeStore = store.NewMemory()
	} else {
		b, err := store.OpenBolt(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		defer b.Close()
		codeStore = b
		a.logger.Info("code store opened", zap.String("path", a.cfg.Store.Path))
	}

	srv := server.New(exec, codeStore, a.logger.Named("server"),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		server.WithPublicURL(a.cfg.Server.PublicURL),
	)
	return srv.ListenAndServe(ctx, a.cfg.Addr())
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
