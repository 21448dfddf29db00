// Package commands implements the docwatch command line interface.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/docwatch/agent/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "/etc/docwatch/config.yaml"

// Build information, set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the docwatch command tree.
type CLI struct {
	rootCmd    *cobra.Command
	configPath string
	logOutput  io.Writer
}

// New builds the command tree.
func New() *CLI {
	c := &CLI{logOutput: os.Stderr}

	rootCmd := &cobra.Command{
		Use:           "docwatch",
		Short:         "Watch directories and push document changes to an ingestion API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", DefaultConfigPath,
		"path to the docwatch YAML configuration file")

	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newScanCmd())
	rootCmd.AddCommand(c.newAuditCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams, including log output.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
	c.logOutput = err
}

// load reads the configuration and builds the logger it asks for.
func (c *CLI) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := NewLogger(c.logOutput, cfg.LogLevel)
	logger.Info("configuration loaded",
		slog.String("config_path", c.configPath),
		slog.String("endpoint", cfg.Ingestion.Endpoint),
		slog.String("log_level", cfg.LogLevel),
		slog.Int("directories", len(cfg.Directories)),
	)
	return cfg, logger, nil
}

// NewLogger constructs a *slog.Logger that writes JSON-structured records to
// w at the requested minimum level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the docwatch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "docwatch version %s (commit: %s)\n", Version, Commit)
		},
	}
}
