// Package enrich decorates viewport clusters with human readable area
// names derived from reverse geocoded address facets. Clusters publish
// immediately with a pending name and converge as lookups complete.
package enrich

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/model"
)

const (
	// DefaultRepresentativeLimit bounds how many member coordinates per
	// cluster are submitted for reverse geocoding.
	DefaultRepresentativeLimit = 10

	// DefaultWorkers bounds concurrent lookups across a batch. The
	// geocode limiter still serializes provider traffic underneath.
	DefaultWorkers = 8
)

// Geocoder resolves a point to address facets. A nil result with a nil
// error means the point produced no usable data.
type Geocoder interface {
	Resolve(ctx context.Context, pt geo.Point) (*model.AddressFacets, error)
}

// PublishFunc receives cluster snapshots as enrichment progresses. The
// first call carries the full placeholder set; later calls carry only
// the clusters whose facets changed. Snapshots are deep copies and safe
// to retain.
type PublishFunc func(clusters []model.EnrichedCluster)

// Enricher fans cluster coordinates out to a Geocoder and folds the
// resulting facets back into every cluster that requested them.
type Enricher struct {
	geocoder Geocoder
	limit    int
	workers  int
}

type EnricherOption func(*Enricher)

// WithRepresentativeLimit overrides how many member coordinates per
// cluster are geocoded.
func WithRepresentativeLimit(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithWorkers overrides the lookup concurrency for a batch.
func WithWorkers(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.workers = n
		}
	}
}

func NewEnricher(geocoder Geocoder, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		geocoder: geocoder,
		limit:    DefaultRepresentativeLimit,
		workers:  DefaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clusterState tracks one cluster's enrichment. All mutation happens
// under the batch mutex in Enrich.
type clusterState struct {
	cluster model.EnrichedCluster
	touched bool
}

// fold merges facets into the cluster. Facet sets only grow, keep
// insertion order, and never hold duplicates, so folding the same
// result twice is a no-op and arrival order never changes membership.
func (s *clusterState) fold(f model.AddressFacets) bool {
	c := &s.cluster
	changed := false

	var added bool
	if c.Neighborhoods, added = appendUnique(c.Neighborhoods, f.Neighborhood); added {
		changed = true
	}
	if c.Cities, added = appendUnique(c.Cities, f.City); added {
		changed = true
	}
	if c.Counties, added = appendUnique(c.Counties, f.County); added {
		changed = true
	}
	if c.PostalCodes, added = appendUnique(c.PostalCodes, f.PostalCode); added {
		changed = true
	}
	if c.State == "" && f.State != "" {
		c.State = f.State
		changed = true
	}

	if changed {
		s.touched = true
		c.AreaName = AreaName(c.Neighborhoods, c.Cities)
	}
	return changed
}

func appendUnique(dst []string, v string) ([]string, bool) {
	if v == "" {
		return dst, false
	}
	for _, existing := range dst {
		if existing == v {
			return dst, false
		}
	}
	return append(dst, v), true
}

// pointJob is one deduplicated lookup and the clusters awaiting it.
type pointJob struct {
	pt      geo.Point
	indexes []int
}

// Enrich publishes a placeholder snapshot for every cluster, then
// resolves each distinct representative coordinate once and folds the
// facets into all clusters that contributed it, publishing the changed
// clusters as results land. It returns only when the whole batch has
// settled; the only error it surfaces is cancellation of ctx.
func (e *Enricher) Enrich(ctx context.Context, raw []model.RawCluster, publish PublishFunc) error {
	if publish == nil {
		publish = func([]model.EnrichedCluster) {}
	}
	if len(raw) == 0 {
		publish([]model.EnrichedCluster{})
		return nil
	}

	states := make([]*clusterState, len(raw))
	placeholder := make([]model.EnrichedCluster, len(raw))
	for i, rc := range raw {
		ec := model.EnrichedCluster{RawCluster: rc, AreaName: AreaNamePending}
		states[i] = &clusterState{cluster: ec}
		placeholder[i] = ec.Clone()
	}
	metrics.EnrichPublishes.WithLabelValues("placeholder").Inc()
	publish(placeholder)

	// Deduplicate lookups across the whole batch so a coordinate shared
	// by several clusters costs one provider call and fans back in.
	jobs := make(map[string]*pointJob)
	order := make([]string, 0, len(raw))
	for i, rc := range raw {
		for _, pt := range representativePoints(rc, e.limit) {
			key := pt.Quantize()
			job, ok := jobs[key]
			if !ok {
				job = &pointJob{pt: pt}
				jobs[key] = job
				order = append(order, key)
			}
			job.indexes = append(job.indexes, i)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, key := range order {
		job := jobs[key]
		g.Go(func() error {
			facets, err := e.geocoder.Resolve(gctx, job.pt)
			if err != nil {
				return err
			}
			if facets == nil || facets.Empty() {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			changed := make([]model.EnrichedCluster, 0, len(job.indexes))
			for _, idx := range job.indexes {
				if states[idx].fold(*facets) {
					changed = append(changed, states[idx].cluster.Clone())
				}
			}
			if len(changed) > 0 {
				metrics.EnrichPublishes.WithLabelValues("update").Inc()
				publish(changed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zap.L().Debug("enrich: batch aborted",
			zap.Int("clusters", len(raw)),
			zap.Error(err))
		return eris.Wrap(err, "enrich: batch aborted")
	}

	e.finalize(states, publish)
	return nil
}

// finalize names any cluster whose lookups all came back empty so no
// cluster is left showing the pending sentinel.
func (e *Enricher) finalize(states []*clusterState, publish PublishFunc) {
	settled := make([]model.EnrichedCluster, 0)
	for _, s := range states {
		if s.touched {
			continue
		}
		s.cluster.AreaName = AreaName(s.cluster.Neighborhoods, s.cluster.Cities)
		settled = append(settled, s.cluster.Clone())
	}
	if len(settled) > 0 {
		metrics.EnrichPublishes.WithLabelValues("final").Inc()
		publish(settled)
	}
}

// representativePoints picks the coordinates submitted for a cluster:
// the first limit member coordinates, or the cluster centroid when no
// member coordinates were recorded.
func representativePoints(rc model.RawCluster, limit int) []geo.Point {
	pts := rc.LocationCoords
	if len(pts) == 0 {
		return []geo.Point{rc.Center()}
	}
	if len(pts) > limit {
		pts = pts[:limit]
	}
	return pts
}
