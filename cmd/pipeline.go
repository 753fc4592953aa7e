package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldscope/permitmap/internal/geocode"
	"github.com/fieldscope/permitmap/internal/store"
	"github.com/fieldscope/permitmap/pkg/nominatim"
)

// openStore builds the configured store backend.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildGeocoder wires the provider, cache, and rate limiter into a
// geocode client. The limiter worker runs until ctx ends.
func buildGeocoder(ctx context.Context) *geocode.Client {
	nc := nominatim.NewClient(
		nominatim.WithBaseURL(cfg.Geocode.BaseURL),
		nominatim.WithUserAgent(cfg.Geocode.UserAgent),
		nominatim.WithEmail(cfg.Geocode.Email),
		nominatim.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Geocode.TimeoutSecs) * time.Second,
		}),
	)

	cache := geocode.NewCache(
		geocode.WithCacheTTL(cfg.Geocode.CacheTTL()),
		geocode.WithSweepThreshold(cfg.Geocode.CacheSweepSize),
	)

	limiter := geocode.NewLimiter(
		geocode.WithMinInterval(cfg.Geocode.MinInterval()),
		geocode.WithQueueSize(cfg.Geocode.QueueSize),
	)
	go limiter.Run(ctx)

	return geocode.NewClient(geocode.NewNominatimProvider(nc), cache, limiter)
}
