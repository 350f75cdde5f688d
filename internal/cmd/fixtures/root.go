package fixtures

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "fixtures",
		Short: "Manages the local Radar API fixtures",
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}
