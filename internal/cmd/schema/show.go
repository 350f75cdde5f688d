package schema

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/turbolytics/radar-etl/internal/config"
	"github.com/turbolytics/radar-etl/internal/parquet"
)

type output struct {
	Dataset  string          `yaml:"dataset"`
	Endpoint string          `yaml:"endpoint"`
	Columns  []string        `yaml:"columns"`
	Parquet  []parquet.Field `yaml:"parquet"`
}

func newShowCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "show dataset",
		Short: "Prints the CSV header and parquet schema of a dataset as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(v.GetString("config"), v)
			if err != nil {
				return err
			}
			descriptors, err := c.Descriptors(args)
			if err != nil {
				return err
			}
			d := descriptors[0]

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(output{
				Dataset:  d.Name,
				Endpoint: d.Endpoint,
				Columns:  d.Columns(),
				Parquet:  parquet.SchemaFor(d),
			})
		},
	}

	cmd.Flags().StringP("config", "c", "", "Path to config file")
	v.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}
