package run

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal/config"
	"github.com/turbolytics/radar-etl/pkg/loader"
	"github.com/turbolytics/radar-etl/pkg/pipeline"
	"github.com/turbolytics/radar-etl/pkg/radar"
)

func NewCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extracts the selected datasets from the Radar API into CSV files",
		Long: `Runs one pipeline per dataset. Each pipeline walks the load range one window at
a time, appending the window's rows to <output-dir>/<dataset>.csv and then
advancing the dataset's checkpoint. Interrupted runs resume from the last
checkpoint.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "Path to config file")
	flags.StringSliceP("dataset", "d", nil, "Dataset to run, may be repeated (default: all configured datasets)")
	flags.String("start", "", "Start of the load range, YYYY-MM-DD or RFC 3339 (overrides window.start)")
	flags.String("end", "", "End of the load range, exclusive (overrides window.end)")
	flags.String("output-dir", "", "Directory CSV files are written to (overrides output.dir)")
	flags.Bool("resume", true, "Resume each dataset from its checkpoint")
	flags.String("status-addr", "", "Address of the status server, e.g. :9100 (overrides status.addr)")

	v.BindPFlag("config", flags.Lookup("config"))
	v.BindPFlag("datasets", flags.Lookup("dataset"))
	v.BindPFlag("start", flags.Lookup("start"))
	v.BindPFlag("end", flags.Lookup("end"))
	v.BindPFlag("output_dir", flags.Lookup("output-dir"))
	v.BindPFlag("resume", flags.Lookup("resume"))
	v.BindPFlag("status_addr", flags.Lookup("status-addr"))

	return cmd
}

func run(ctx context.Context, v *viper.Viper, out io.Writer) error {
	c, err := config.Load(v.GetString("config"), v)
	if err != nil {
		return err
	}
	if dir := v.GetString("output_dir"); dir != "" {
		c.SetOutputDir(dir)
	}
	if start := v.GetString("start"); start != "" {
		c.Window.Start = start
	}
	if end := v.GetString("end"); end != "" {
		c.Window.End = end
	}
	if addr := v.GetString("status_addr"); addr != "" {
		c.Status.Addr = addr
	}

	start, end, err := c.Range(time.Now())
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
	l := logger.Named("run")

	runID := uuid.NewString()
	resume := v.GetBool("resume")
	l.Info("starting run",
		zap.String("run_id", runID),
		zap.Int("datasets", len(descriptors)),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Duration("window_size", c.Window.Size),
		zap.Bool("resume", resume),
	)

	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)

	client := radar.New(
		radar.WithBaseURL(c.Radar.BaseURL),
		radar.WithToken(c.Radar.Token),
		radar.WithTimeout(c.Radar.Timeout),
		radar.WithRateLimit(c.Radar.RateLimit),
		radar.WithPageSize(c.Radar.PageSize),
		radar.WithMaxPages(c.Radar.MaxPages),
		radar.WithRetry(c.Radar.Retry.MaxAttempts, c.Radar.Retry.InitialInterval, c.Radar.Retry.MaxInterval),
		radar.WithLogger(logger.Named("radar")),
		radar.WithObserver(metrics),
	)

	csv := loader.New(c.Output.Dir,
		loader.WithLogger(logger.Named("loader")),
		loader.WithWriteTimeout(c.Output.WriteTimeout),
	)

	store, closeStore, err := config.InitializeCheckpointer(ctx, c, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pipelines := make([]*pipeline.Pipeline, 0, len(descriptors))
	for _, d := range descriptors {
		p, err := pipeline.New(d,
			pipeline.WithCheckpointer(store),
			pipeline.WithFetcher(client),
			pipeline.WithLoader(csv),
			pipeline.WithWindow(start, end, c.Window.Size),
			pipeline.WithResume(resume),
			pipeline.WithDedupe(c.Output.DedupeEnabled()),
			pipeline.WithCheckpointTimeout(c.Checkpoint.Timeout),
			pipeline.WithRunID(runID),
			pipeline.WithLogger(logger.Named("pipeline")),
			pipeline.WithMetrics(metrics),
		)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", d.Name, err)
		}
		pipelines = append(pipelines, p)
	}

	if c.Status.Addr != "" {
		srv := pipeline.NewServer(logger.Named("server"), reg)
		for _, p := range pipelines {
			srv.RegisterPipeline(p)
		}

		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Start(srvCtx, c.Status.Addr); err != nil {
				l.Error("status server failed", zap.Error(err))
			}
		}()
	}

	runner := pipeline.NewRunner(pipelines, pipeline.RunnerWithLogger(logger.Named("runner")))
	runErr := runner.Run(ctx)

	summarize(out, pipelines)
	return runErr
}

func summarize(out io.Writer, pipelines []*pipeline.Pipeline) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tSTATE\tWINDOWS\tRECORDS\tROWS\tCHECKPOINT")
	for _, p := range pipelines {
		s := p.Stats()
		checkpoint := "-"
		if s.LastCheckpoint != nil {
			checkpoint = s.LastCheckpoint.WindowEnd.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			p.Descriptor.Name,
			s.State,
			s.WindowsDone,
			s.WindowsPlanned,
			s.RecordsFetched,
			s.RowsWritten,
			checkpoint,
		)
	}
	w.Flush()
}
