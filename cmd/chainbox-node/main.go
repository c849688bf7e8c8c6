// Command chainbox-node runs a satellite mesh node: a process that only
// accepts capability calls forwarded by another chainbox process over the
// signed mesh RPC surface, and never re-plans them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainbox/chainbox/pkg/config"
	"github.com/chainbox/chainbox/pkg/fabric"
	"github.com/chainbox/chainbox/pkg/meshnode"
	"github.com/chainbox/chainbox/pkg/signer"
)

func main() {
	logger := slog.Default().With("component", "chainbox-node")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	f, err := fabric.New(ctx, cfg, fabric.Options{IsMeshNode: true})
	if err != nil {
		logger.Error("wire fabric", "error", err)
		os.Exit(1)
	}
	defer f.Close(ctx)

	srv := meshnode.New(f.Executor, signer.New([]byte(cfg.MeshSecret)), meshnode.Config{
		Addr:         cfg.ListenAddr,
		MaxBodyBytes: cfg.MaxBodySize,
	})

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
