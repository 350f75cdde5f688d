package archiver

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal/archiver"
	"github.com/turbolytics/radar-etl/internal/config"
	"github.com/turbolytics/radar-etl/pkg/loader"
)

func newSnapshotCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Converts each dataset's CSV output to parquet and preserves it with a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := config.Load(v.GetString("config"), v)
			if err != nil {
				return err
			}
			descriptors, err := c.Descriptors(v.GetStringSlice("datasets"))
			if err != nil {
				return err
			}

			logger, err := config.NewLogger(c.Global.Logger.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()
			l := logger.Named("archiver.snapshot")

			sid := uuid.New()
			l.Info("starting snapshot", zap.String("id", sid.String()))

			repository, closeRepository, err := config.InitializeRepository(ctx, c, sid.String(), l)
			if err != nil {
				return err
			}
			defer closeRepository()

			output := loader.New(c.Output.Dir)
			a, err := archiver.New(
				archiver.WithLogger(l),
				archiver.WithRepository(repository),
				archiver.WithSource(output.Path),
				archiver.WithRowGroupSize(c.Archive.RowGroupSize),
			)
			if err != nil {
				return err
			}

			catalog, err := a.Snapshot(ctx, sid, descriptors)
			if catalog != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: %d datasets, %d records, completed=%t\n",
					catalog.ID,
					len(catalog.Datasets),
					catalog.NumRecordsProcessed,
					catalog.Completed,
				)
			}
			return err
		},
	}

	cmd.Flags().StringP("config", "c", "", "Path to config file")
	cmd.Flags().StringSliceP("dataset", "d", nil, "Dataset to archive, may be repeated (default: all configured datasets)")
	cmd.MarkFlagRequired("config")
	v.BindPFlag("config", cmd.Flags().Lookup("config"))
	v.BindPFlag("datasets", cmd.Flags().Lookup("dataset"))

	return cmd
}
