package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and active configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		count, err := st.CountLocations(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("store:       %s\n", cfg.Store.Driver)
		fmt.Printf("locations:   %d\n", count)
		fmt.Printf("geocoder:    %s (min interval %s, cache ttl %s)\n",
			cfg.Geocode.BaseURL, cfg.Geocode.MinInterval(), cfg.Geocode.CacheTTL())
		fmt.Printf("detail zoom: %d\n", cfg.Viewport.DetailZoom)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
