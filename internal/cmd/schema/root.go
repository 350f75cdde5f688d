package schema

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "schema",
		Short: "Utilities to inspect dataset output schemas",
	}

	cmd.AddCommand(newShowCommand())

	return cmd
}
