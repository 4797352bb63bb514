package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbroker/agentbroker/internal/config"
	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/orchestrator"
	"github.com/agentbroker/agentbroker/internal/registry"
	"github.com/agentbroker/agentbroker/internal/sandbox"
	"github.com/agentbroker/agentbroker/internal/server"
)

var (
	configPath string
	httpAddr   string
	backend    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentbroker HTTP server",
	Long:  `Start the RPC server that provisions and brokers sandboxed agent sessions.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if cmd.Flags().Changed("http-addr") {
			cfg.Server.HTTPAddr = httpAddr
		}
		if cmd.Flags().Changed("backend") {
			cfg.Sandbox.Backend = config.SandboxBackend(backend)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		driver, err := sandbox.NewDriver(ctx, cfg)
		if err != nil {
			log.Fatalf("sandbox backend %q unavailable: %v", cfg.Sandbox.Backend, err)
		}

		if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
			log.Fatalf("failed to create data dir %s: %v", cfg.Server.DataDir, err)
		}
		idx, err := index.Open(cfg.Server.DataDir)
		if err != nil {
			log.Fatalf("failed to open agent index: %v", err)
		}

		reg := registry.New(cfg.Registry.SessionTimeout)
		orch := orchestrator.New(cfg, driver, idx)
		orch.StartReaper(cfg.Server.ReaperInterval, cfg.Server.SessionIdleTimeout)
		go reg.RunSweeper(ctx, cfg.Server.ReaperInterval, orch.EvictIfEphemeral)

		srv := server.New(orch, reg)
		httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: srv.Router()}

		go func() {
			<-ctx.Done()
			log.Println("shutdown signal received, draining sessions...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("http server shutdown: %v", err)
			}
			if err := orch.Shutdown(shutdownCtx); err != nil {
				log.Printf("orchestrator shutdown: %v", err)
			}
			if err := driver.Close(); err != nil {
				log.Printf("sandbox driver close: %v", err)
			}
		}()

		log.Printf("agentbroker listening on %s (backend: %s)", cfg.Server.HTTPAddr, cfg.Sandbox.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&configPath, "config", "", "Config file path (TOML)")
	serveCmd.Flags().StringVar(&httpAddr, "http-addr", "", "Override server.http_addr")
	serveCmd.Flags().StringVar(&backend, "backend", "", "Override sandbox.backend (docker or k8s)")
}
