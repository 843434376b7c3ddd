package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile sweep over the trailing window and exit",
		RunE:  runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	corrections, err := a.reconciler.ReconcileWindow(ctx)
	if err != nil {
		return fmt.Errorf("reconcile sweep: %w", err)
	}
	a.logger.Info("reconcile sweep complete", zap.Int("corrections", corrections))
	return nil
}
