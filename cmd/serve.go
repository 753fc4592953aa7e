package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/enrich"
	"github.com/fieldscope/permitmap/internal/server"
	"github.com/fieldscope/permitmap/internal/viewport"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the map API server",
	Long:  "Serves viewport refresh, snapshot streaming, and stats endpoints on top of the cluster enrichment pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gc := buildGeocoder(ctx)

		hub := viewport.NewHub()
		enricher := enrich.NewEnricher(gc,
			enrich.WithRepresentativeLimit(cfg.Enrich.RepresentativeLimit),
			enrich.WithWorkers(cfg.Enrich.Workers),
		)

		coord := viewport.NewCoordinator(st, enricher, hub,
			viewport.WithDetailZoom(cfg.Viewport.DetailZoom),
		)
		defer coord.Close()

		zap.L().Info("starting map API",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
		)

		return server.New(cfg.Server, coord, hub, gc, st).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
