package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/turbolytics/radar-etl/internal/cmd/archiver"
	"github.com/turbolytics/radar-etl/internal/cmd/checkpoint"
	"github.com/turbolytics/radar-etl/internal/cmd/datasets"
	"github.com/turbolytics/radar-etl/internal/cmd/fixtures"
	"github.com/turbolytics/radar-etl/internal/cmd/run"
	"github.com/turbolytics/radar-etl/internal/cmd/schema"
)

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "radar",
		Short: "Extracts Cloudflare Radar datasets into CSV files",
		Long: `radar pulls datasets from the Cloudflare Radar API window by window,
normalizes them and appends them to one CSV file per dataset. Progress is
checkpointed so that runs can be resumed.`,
		SilenceErrors: true,
	}

	cmd.AddCommand(run.NewCommand())
	cmd.AddCommand(datasets.NewCommand())
	cmd.AddCommand(checkpoint.NewCommand())
	cmd.AddCommand(schema.NewCommand())
	cmd.AddCommand(archiver.NewCommand())
	cmd.AddCommand(fixtures.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
