package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docwatch/agent/internal/audit"
)

func (c *CLI) newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the delivery audit journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Verify the hash chain of an audit journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := audit.Verify(args[0])
			if err != nil {
				return err
			}
			last := audit.GenesisHash
			if n := len(records); n > 0 {
				last = records[n-1].Hash
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d records, head %s\n", len(records), last)
			return nil
		},
	})
	return cmd
}
