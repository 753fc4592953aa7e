// Package viewport coordinates map viewport fetches. Every pan, zoom,
// or filter change funnels through Refresh, which supersedes the
// previous fetch; a generation gate at the publication boundary keeps
// results from superseded fetches out of the published snapshot.
package viewport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/enrich"
	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/model"
)

// Mode says what kind of payload a snapshot carries.
type Mode string

const (
	ModeClusters  Mode = "clusters"
	ModeLocations Mode = "locations"
)

// DefaultDetailZoom is the zoom level at or above which the viewport
// switches from aggregated clusters to individual locations.
const DefaultDetailZoom = 15

// Region is the visible map area a client is asking about.
type Region struct {
	Bounds geo.BBox `json:"bounds"`
	Zoom   int      `json:"zoom"`
}

// Snapshot is the published viewport state. Clones cross the API
// boundary, so holders can never corrupt coordinator state.
type Snapshot struct {
	Generation uint64                  `json:"generation"`
	Loading    bool                    `json:"loading"`
	Mode       Mode                    `json:"mode"`
	Clusters   []model.EnrichedCluster `json:"clusters,omitempty"`
	Locations  []model.Location        `json:"locations,omitempty"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// Clone deep copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Clusters != nil {
		out.Clusters = make([]model.EnrichedCluster, len(s.Clusters))
		for i, c := range s.Clusters {
			out.Clusters[i] = c.Clone()
		}
	}
	if s.Locations != nil {
		out.Locations = make([]model.Location, len(s.Locations))
		copy(out.Locations, s.Locations)
		for i := range out.Locations {
			if kw := out.Locations[i].Keywords; kw != nil {
				out.Locations[i].Keywords = append([]string(nil), kw...)
			}
		}
	}
	return out
}

// Source serves viewport queries from storage.
type Source interface {
	LocationsWithin(ctx context.Context, bounds geo.BBox, filters model.Filters) ([]model.Location, error)
	ClustersWithin(ctx context.Context, bounds geo.BBox, zoom int, filters model.Filters) ([]model.RawCluster, error)
}

// Coordinator owns the current viewport snapshot and the single
// in-flight fetch that may replace it.
type Coordinator struct {
	source     Source
	enricher   *enrich.Enricher
	hub        *Hub
	detailZoom int

	gen atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	current Snapshot
}

type CoordinatorOption func(*Coordinator)

// WithDetailZoom overrides the cluster-to-location switchover zoom.
func WithDetailZoom(z int) CoordinatorOption {
	return func(c *Coordinator) {
		if z > 0 {
			c.detailZoom = z
		}
	}
}

func NewCoordinator(source Source, enricher *enrich.Enricher, hub *Hub, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		source:     source,
		enricher:   enricher,
		hub:        hub,
		detailZoom: DefaultDetailZoom,
		current:    Snapshot{Mode: ModeClusters},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh starts a fetch for the given region, superseding any fetch
// still in flight. It validates bounds up front, broadcasts a loading
// frame that keeps the previous payload visible, and returns the new
// generation without waiting for results.
func (c *Coordinator) Refresh(region Region, filters model.Filters) (uint64, error) {
	if err := region.Bounds.Validate(); err != nil {
		return 0, eris.Wrap(err, "viewport: refresh rejected")
	}

	gen := c.gen.Add(1)
	metrics.FetchGenerations.Inc()
	fetchCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.current.Generation = gen
	c.current.Loading = true
	c.current.UpdatedAt = time.Now().UTC()
	loading := c.current.Clone()
	c.mu.Unlock()

	c.hub.Broadcast(loading)
	zap.L().Debug("viewport: fetch started",
		zap.Uint64("generation", gen),
		zap.Int("zoom", region.Zoom))

	go c.fetch(fetchCtx, cancel, gen, region, filters)
	return gen, nil
}

func (c *Coordinator) fetch(ctx context.Context, cancel context.CancelFunc, gen uint64, region Region, filters model.Filters) {
	defer cancel()

	if region.Zoom >= c.detailZoom {
		locs, err := c.source.LocationsWithin(ctx, region.Bounds, filters)
		if err != nil {
			c.fetchFailed(ctx, gen, err)
			return
		}
		c.publish(gen, func(s *Snapshot) {
			s.Mode = ModeLocations
			s.Loading = false
			s.Clusters = nil
			s.Locations = locs
		})
		return
	}

	raw, err := c.source.ClustersWithin(ctx, region.Bounds, region.Zoom, filters)
	if err != nil {
		c.fetchFailed(ctx, gen, err)
		return
	}

	// The first enrichment publish replaces the payload wholesale with
	// placeholder clusters; later publishes patch the clusters whose
	// facets changed.
	first := true
	var index map[string]int
	err = c.enricher.Enrich(ctx, raw, func(clusters []model.EnrichedCluster) {
		c.publish(gen, func(s *Snapshot) {
			if first {
				first = false
				s.Mode = ModeClusters
				s.Loading = false
				s.Locations = nil
				s.Clusters = clusters
				index = make(map[string]int, len(clusters))
				for i := range clusters {
					index[clusters[i].Key()] = i
				}
				return
			}
			for _, cl := range clusters {
				if i, ok := index[cl.Key()]; ok {
					s.Clusters[i] = cl
				}
			}
		})
	})
	if err != nil {
		zap.L().Debug("viewport: enrichment aborted",
			zap.Uint64("generation", gen),
			zap.Error(err))
	}
}

// fetchFailed clears the loading flag but keeps the last good payload
// on screen. A canceled fetch was superseded and stays silent.
func (c *Coordinator) fetchFailed(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		zap.L().Debug("viewport: superseded fetch abandoned", zap.Uint64("generation", gen))
		return
	}
	zap.L().Error("viewport: fetch failed",
		zap.Uint64("generation", gen),
		zap.Error(err))
	c.publish(gen, func(s *Snapshot) {
		s.Loading = false
	})
}

// publish applies mutate to the current snapshot and broadcasts the
// result, unless gen has been superseded, in which case the update is
// dropped without side effects.
func (c *Coordinator) publish(gen uint64, mutate func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen.Load() {
		metrics.StaleDrops.Inc()
		zap.L().Debug("viewport: stale publication dropped",
			zap.Uint64("generation", gen),
			zap.Uint64("current", c.gen.Load()))
		return
	}
	mutate(&c.current)
	c.current.Generation = gen
	c.current.UpdatedAt = time.Now().UTC()
	c.hub.Broadcast(c.current.Clone())
}

// Snapshot returns a copy of the current viewport state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Generation returns the most recently issued fetch generation.
func (c *Coordinator) Generation() uint64 {
	return c.gen.Load()
}

// Close cancels any in-flight fetch.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
