package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/enrich"
	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

var (
	enrichBBox string
	enrichZoom int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich clusters in a bounding box",
	Long:  "Runs one cluster-enrichment pass over the given bounding box and prints the resolved area names. Useful for warming the geocode cache and inspecting naming.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		bounds, err := parseBBox(enrichBBox)
		if err != nil {
			return err
		}

		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		raw, err := st.ClustersWithin(ctx, bounds, enrichZoom, model.Filters{})
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			fmt.Println("no clusters in bounds")
			return nil
		}

		gc := buildGeocoder(ctx)
		enricher := enrich.NewEnricher(gc,
			enrich.WithRepresentativeLimit(cfg.Enrich.RepresentativeLimit),
			enrich.WithWorkers(cfg.Enrich.Workers),
		)

		// Later publishes carry only the clusters whose name changed;
		// fold them over the placeholder set to get the final state.
		final := map[string]model.EnrichedCluster{}
		err = enricher.Enrich(ctx, raw, func(clusters []model.EnrichedCluster) {
			for _, c := range clusters {
				final[c.Key()] = c
			}
		})
		if err != nil {
			return err
		}

		zap.L().Info("enrichment pass complete", zap.Int("clusters", len(final)))
		for _, rc := range raw {
			c := final[rc.Key()]
			fmt.Printf("%-10s cluster %-4d %5d pts  %s\n", c.JobType, c.ClusterID, c.TotalPoints, c.AreaName)
		}
		return nil
	},
}

// parseBBox reads "minLat,minLng,maxLat,maxLng".
func parseBBox(s string) (geo.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BBox{}, eris.Errorf("bbox must be minLat,minLng,maxLat,maxLng, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BBox{}, eris.Wrapf(err, "bbox component %d", i)
		}
		vals[i] = v
	}
	b := geo.BBox{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if err := b.Validate(); err != nil {
		return geo.BBox{}, err
	}
	return b, nil
}

func init() {
	enrichCmd.Flags().StringVar(&enrichBBox, "bbox", "", "bounding box as minLat,minLng,maxLat,maxLng (required)")
	enrichCmd.Flags().IntVar(&enrichZoom, "zoom", 12, "cluster grid zoom level")
	_ = enrichCmd.MarkFlagRequired("bbox")
	rootCmd.AddCommand(enrichCmd)
}
