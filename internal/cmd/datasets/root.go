package datasets

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turbolytics/radar-etl/internal/config"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "datasets",
		Short: "Inspects the datasets available to the ETL",
	}

	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the built-in datasets, or the configured ones when a config is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(v.GetString("config"), v)
			if err != nil {
				return err
			}
			descriptors, err := c.Descriptors(nil)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENDPOINT\tRESULT KEY\tCOLUMNS")
			for _, d := range descriptors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					d.Name,
					d.Endpoint,
					d.ResultKey,
					strings.Join(d.Columns(), ","),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringP("config", "c", "", "Path to config file")
	v.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}
