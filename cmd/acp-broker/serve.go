package acpbroker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/acp-broker/internal/auth"
	"github.com/workspace/acp-broker/internal/broker"
	"github.com/workspace/acp-broker/internal/config"
	"github.com/workspace/acp-broker/internal/gitworkspace"
	"github.com/workspace/acp-broker/internal/logging"
	"github.com/workspace/acp-broker/internal/rpclog"
	"github.com/workspace/acp-broker/internal/session"
)

const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ACP broker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logging.Setup()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: loading config: %w", err)
	}

	var catalog *config.AgentCatalog
	if cfg.AgentConfigPath != "" {
		catalog, err = config.LoadAgentCatalog(cfg.AgentConfigPath)
		switch {
		case err == nil:
		case err == config.ErrAgentConfigNotFound, err == config.ErrNoAgentServers:
			slog.Warn("serve: agent catalog unavailable, /acp/agents and upgrades will 404/500 until one is configured", "path", cfg.AgentConfigPath, "error", err)
			catalog = nil
		default:
			return fmt.Errorf("serve: loading agent catalog: %w", err)
		}
	}

	git := gitworkspace.New(gitworkspace.Config{
		DefaultRoot:  cfg.GitRoot,
		GitRootMap:   cfg.GitRootMap,
		GitUserName:  cfg.GitUserName,
		GitUserEmail: cfg.GitUserEmail,
		Push:         cfg.Push,
	})

	coalescer := rpclog.New(rpclog.Config{}, slog.Default())

	var validator *auth.JWTValidator
	if cfg.JWKSURL != "" {
		validator, err = auth.NewJWTValidator(ctx, cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			slog.Warn("serve: JWT validator unavailable, falling back to static-token auth only", "error", err)
			validator = nil
		}
	}

	var sessions *session.Registry
	sessions = session.New(cfg.SessionIdleTTL, func(rec *session.Record) {
		if rec.Runtime != nil && !sessions.HasSessionsForRuntime(rec.Runtime) {
			rec.Runtime.Stop()
		}
		if rec.GitCtx != nil && rec.GitCtx.Workspace != nil {
			git.CleanupWorkspace(context.Background(), rec.GitCtx.Workspace)
		}
	})

	b := broker.New(broker.Deps{
		Config:       cfg,
		Catalog:      catalog,
		Sessions:     sessions,
		Git:          git,
		JWTValidator: validator,
		Coalescer:    coalescer,
		Logger:       slog.Default(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: b.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve: listening", "addr", addr, "path", cfg.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		slog.Info("serve: received signal, shutting down", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("serve: graceful shutdown did not complete in time", "error", err)
	}
	coalescer.FlushAll()

	return nil
}
