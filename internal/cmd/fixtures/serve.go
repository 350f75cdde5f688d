package fixtures

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal/config"
	"github.com/turbolytics/radar-etl/pkg/radar/radartest"
)

func newServeCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves deterministic, paginated Radar API fixtures",
		Long: `Serves an imitation of the Radar API under /client/v4/radar. Point
radar.base_url at http://<addr>/client/v4/radar to run the ETL locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := config.NewLogger(v.GetString("log_level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cmd.Context(), v, logger.Named("fixtures"))
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8081", "Address to listen on")
	flags.Int("records", 10, "Records returned per dataset and window")
	flags.Int("page-size", 0, "Maximum records per page, 0 honours the requested limit")
	flags.String("token", "", "Bearer token required on every request")
	flags.String("log-level", "info", "Log level")

	v.BindPFlag("addr", flags.Lookup("addr"))
	v.BindPFlag("records", flags.Lookup("records"))
	v.BindPFlag("page_size", flags.Lookup("page-size"))
	v.BindPFlag("token", flags.Lookup("token"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	return cmd
}

func newRouter(v *viper.Viper) chi.Router {
	opts := []radartest.Option{
		radartest.WithRecords(v.GetInt("records")),
		radartest.WithMaxPageSize(v.GetInt("page_size")),
	}
	if token := v.GetString("token"); token != "" {
		opts = append(opts, radartest.WithToken(token))
	}
	api := radartest.NewAPI(opts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/client/v4/radar", api.Routes())
	return r
}

func serve(ctx context.Context, v *viper.Viper, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    v.GetString("addr"),
		Handler: newRouter(v),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down fixtures server")
		srv.Shutdown(context.Background())
	}()

	logger.Info("serving fixtures",
		zap.String("addr", srv.Addr),
		zap.Int("records", v.GetInt("records")),
		zap.Int("page_size", v.GetInt("page_size")),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
