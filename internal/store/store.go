// Package store persists permit locations and serves the viewport
// queries behind the map: raw locations at detail zooms and grid
// clusters when zoomed out. SQLite backs local development and small
// deployments; Postgres backs production.
package store

import (
	"context"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// maxViewportLocations caps a detail-zoom response. Detail zooms cover
// a small area, so the cap only bites on degenerate requests.
const maxViewportLocations = 2000

// Store defines the persistence interface for permit locations.
type Store interface {
	// Ingestion
	UpsertLocations(ctx context.Context, locs []model.Location) (int64, error)
	DatasetCursor(ctx context.Context, dataset string) (string, error)
	SetDatasetCursor(ctx context.Context, dataset, cursor string) error

	// Viewport queries
	LocationsWithin(ctx context.Context, bounds geo.BBox, filters model.Filters) ([]model.Location, error)
	ClustersWithin(ctx context.Context, bounds geo.BBox, zoom int, filters model.Filters) ([]model.RawCluster, error)
	CountLocations(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
