package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/docwatch/agent/internal/agent"
)

func (c *CLI) newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Enumerate every configured directory, dispatch once, and exit",
		Long: "scan adds one upsert per existing file in every configured directory, " +
			"runs a single dispatch tick and exits. It exits non-zero when any message failed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			ag, err := agent.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ag.Close()

			found := ag.Scan(ctx)
			rep := ag.Tick(ctx)
			logger.Info("scan complete",
				slog.Int("files", found),
				slog.Int("sent", rep.Sent),
				slog.Int("failed", rep.Failed),
				slog.Int("skipped", rep.Skipped),
			)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "files=%d sent=%d failed=%d skipped=%d\n",
				found, rep.Sent, rep.Failed, rep.Skipped)

			if rep.Failed > 0 {
				return fmt.Errorf("scan: %d of %d messages failed", rep.Failed, rep.Drained)
			}
			return nil
		},
	}
}
