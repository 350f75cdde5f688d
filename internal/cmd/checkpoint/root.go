package checkpoint

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal/config"
	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspects and resets dataset checkpoints",
	}

	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newResetCommand())
	return cmd
}

func open(cmd *cobra.Command, v *viper.Viper) (config.CheckpointStore, config.Closer, error) {
	c, err := config.Load(v.GetString("config"), v)
	if err != nil {
		return nil, nil, err
	}
	return config.InitializeCheckpointer(cmd.Context(), c, zap.NewNop())
}

func configFlag(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().StringP("config", "c", "", "Path to config file")
	v.BindPFlag("config", cmd.Flags().Lookup("config"))
}

func newShowCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "show [dataset...]",
		Short: "Shows the checkpoints of the given datasets, or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closer, err := open(cmd, v)
			if err != nil {
				return err
			}
			defer closer()

			var checkpoints []*pipeline.Checkpoint
			if len(args) == 0 {
				if checkpoints, err = store.List(cmd.Context()); err != nil {
					return err
				}
			}
			for _, name := range args {
				cp, err := store.Load(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("loading checkpoint for %q: %w", name, err)
				}
				if cp == nil {
					cp = &pipeline.Checkpoint{Dataset: name}
				}
				checkpoints = append(checkpoints, cp)
			}

			return render(cmd.OutOrStdout(), checkpoints)
		},
	}

	configFlag(cmd, v)
	return cmd
}

func render(out io.Writer, checkpoints []*pipeline.Checkpoint) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tWINDOW END\tROWS\tOFFSET\tRUN ID\tUPDATED AT")
	for _, cp := range checkpoints {
		if cp.WindowEnd.IsZero() {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\n", cp.Dataset)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			cp.Dataset,
			cp.WindowEnd.Format(time.RFC3339),
			cp.Rows,
			cp.Offset,
			cp.RunID,
			cp.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func newResetCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "reset dataset...",
		Short: "Deletes the checkpoints of the given datasets",
		Long: `Deletes the checkpoints of the given datasets so that the next run starts
from the beginning of the load range. Existing CSV output is left untouched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closer, err := open(cmd, v)
			if err != nil {
				return err
			}
			defer closer()

			for _, name := range args {
				if err := store.Delete(cmd.Context(), name); err != nil {
					return fmt.Errorf("deleting checkpoint for %q: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", name)
			}
			return nil
		},
	}

	configFlag(cmd, v)
	return cmd
}
