package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/docwatch/agent/internal/agent"
	"github.com/docwatch/agent/internal/server"
)

func (c *CLI) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the configured directories and dispatch changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx := cmd.Context()
			ag, err := agent.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := ag.Start(ctx); err != nil {
				ag.Close()
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if cfg.StatusAddr != "" {
				g.Go(func() error {
					return server.Serve(gctx, cfg.StatusAddr, ag.Router(), logger)
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			err = g.Wait()
			if ctx.Err() != nil {
				logger.Info("received shutdown signal")
			}
			ag.Stop()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("docwatch exited cleanly")
			return nil
		},
	}
}
