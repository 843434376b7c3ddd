package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spiderkeeper/internal/api"
	"spiderkeeper/internal/metrics"

	sysuuid "spiderkeeper/internal/id/uuid"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}

	server := api.NewServer(a.tasks, a.schedules, a.results, a.manager, a.reconciler, sysuuid.Generator{}, a.logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.scheduler.Run(ctx)
	go a.manager.RunSweeper(ctx)
	go a.reconciler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Lifecycle.DrainTimeoutSecond)*time.Second)
	defer cancelDrain()
	if err := a.manager.Shutdown(drainCtx); err != nil {
		a.logger.Warn("lifecycle shutdown", zap.Error(err))
	}

	a.close(drainCtx)
	a.logger.Info("daemon stopped")
	return nil
}
