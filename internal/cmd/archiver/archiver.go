package archiver

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "archiver",
		Short: "Manages the archival of dataset output",
	}
	cmd.AddCommand(newSnapshotCommand())
	return cmd
}
