package viewport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscope/permitmap/internal/enrich"
	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/model"
)

var testBounds = geo.BBox{MinLat: 32.0, MinLng: -97.5, MaxLat: 34.0, MaxLng: -95.5}

type stubSource struct {
	mu          sync.Mutex
	clusterCtxs []context.Context
	clustersFn  func(call int, ctx context.Context) ([]model.RawCluster, error)
	locationsFn func(call int) ([]model.Location, error)
	clCalls     int
	locCalls    int
}

func (s *stubSource) LocationsWithin(_ context.Context, _ geo.BBox, _ model.Filters) ([]model.Location, error) {
	s.mu.Lock()
	s.locCalls++
	call := s.locCalls
	fn := s.locationsFn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call)
}

func (s *stubSource) ClustersWithin(ctx context.Context, _ geo.BBox, _ int, _ model.Filters) ([]model.RawCluster, error) {
	s.mu.Lock()
	s.clCalls++
	call := s.clCalls
	s.clusterCtxs = append(s.clusterCtxs, ctx)
	fn := s.clustersFn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call, ctx)
}

func (s *stubSource) clusterCtx(i int) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.clusterCtxs) {
		return nil
	}
	return s.clusterCtxs[i]
}

type stubGeocoder struct {
	results map[string]*model.AddressFacets
}

func (g *stubGeocoder) Resolve(ctx context.Context, pt geo.Point) (*model.AddressFacets, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := g.results[pt.Quantize()]
	if r == nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func newTestCoordinator(source *stubSource, results map[string]*model.AddressFacets, opts ...CoordinatorOption) (*Coordinator, *Hub) {
	hub := NewHub()
	enricher := enrich.NewEnricher(&stubGeocoder{results: results}, enrich.WithWorkers(1))
	return NewCoordinator(source, enricher, hub, opts...), hub
}

func recvFrame(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "hub channel closed early")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot frame")
		return Snapshot{}
	}
}

func clusterAt(pt geo.Point, jobType string, id int) model.RawCluster {
	return model.RawCluster{
		JobType:        jobType,
		ClusterID:      id,
		TotalPoints:    1,
		CenterLat:      pt.Lat,
		CenterLng:      pt.Lng,
		LocationCoords: []geo.Point{pt},
	}
}

func TestRefreshRejectsInvalidBounds(t *testing.T) {
	c, _ := newTestCoordinator(&stubSource{}, nil)
	defer c.Close()

	_, err := c.Refresh(Region{
		Bounds: geo.BBox{MinLat: 10, MinLng: 10, MaxLat: 5, MaxLng: 20},
		Zoom:   10,
	}, model.Filters{})
	require.Error(t, err)
	assert.Zero(t, c.Generation(), "rejected refreshes burn no generation")
}

func TestRefreshClustersPlaceholderThenConverge(t *testing.T) {
	pt := geo.Point{Lat: 32.7767, Lng: -96.797}
	source := &stubSource{
		clustersFn: func(_ int, _ context.Context) ([]model.RawCluster, error) {
			return []model.RawCluster{clusterAt(pt, "roofing", 1)}, nil
		},
	}
	c, hub := newTestCoordinator(source, map[string]*model.AddressFacets{
		pt.Quantize(): {Neighborhood: "Downtown", City: "Dallas", State: "Texas"},
	})
	defer c.Close()
	_, frames := hub.Subscribe()

	gen, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	loading := recvFrame(t, frames)
	assert.True(t, loading.Loading)
	assert.Equal(t, gen, loading.Generation)

	placeholder := recvFrame(t, frames)
	assert.False(t, placeholder.Loading)
	assert.Equal(t, ModeClusters, placeholder.Mode)
	require.Len(t, placeholder.Clusters, 1)
	assert.Equal(t, enrich.AreaNamePending, placeholder.Clusters[0].AreaName)

	converged := recvFrame(t, frames)
	require.Len(t, converged.Clusters, 1)
	assert.Equal(t, "Downtown (Dallas)", converged.Clusters[0].AreaName)
	assert.Equal(t, []string{"Dallas"}, converged.Clusters[0].Cities)
}

func TestRefreshLocationsAtDetailZoom(t *testing.T) {
	source := &stubSource{
		locationsFn: func(_ int) ([]model.Location, error) {
			return []model.Location{{ID: 41, Lat: 32.7767, Lng: -96.797, Name: "Re-roof at 1400 Main"}}, nil
		},
	}
	c, hub := newTestCoordinator(source, nil)
	defer c.Close()
	_, frames := hub.Subscribe()

	gen, err := c.Refresh(Region{Bounds: testBounds, Zoom: 16}, model.Filters{})
	require.NoError(t, err)

	loading := recvFrame(t, frames)
	assert.True(t, loading.Loading)

	done := recvFrame(t, frames)
	assert.False(t, done.Loading)
	assert.Equal(t, ModeLocations, done.Mode)
	assert.Equal(t, gen, done.Generation)
	require.Len(t, done.Locations, 1)
	assert.Equal(t, int64(41), done.Locations[0].ID)
	assert.Empty(t, done.Clusters)

	s := source
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Zero(t, s.clCalls, "detail zoom never asks for clusters")
}

func TestRefreshSupersedesInFlightFetch(t *testing.T) {
	pt := geo.Point{Lat: 32.7767, Lng: -96.797}
	block := make(chan struct{})
	source := &stubSource{
		clustersFn: func(call int, ctx context.Context) ([]model.RawCluster, error) {
			if call == 1 {
				select {
				case <-block:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return []model.RawCluster{clusterAt(pt, "roofing", call)}, nil
		},
	}
	c, _ := newTestCoordinator(source, nil)
	defer c.Close()
	defer close(block)

	_, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return source.clusterCtx(0) != nil
	}, 2*time.Second, 10*time.Millisecond, "first fetch never reached the source")

	gen2, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen2)

	// The superseded fetch's context is canceled best effort.
	require.Eventually(t, func() bool {
		ctx := source.clusterCtx(0)
		return ctx != nil && ctx.Err() != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Generation == gen2 && !snap.Loading && len(snap.Clusters) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.Snapshot().Clusters[0].ClusterID)
}

func TestStalePublicationDropped(t *testing.T) {
	pt := geo.Point{Lat: 32.7767, Lng: -96.797}
	block := make(chan struct{})
	source := &stubSource{
		clustersFn: func(call int, _ context.Context) ([]model.RawCluster, error) {
			if call == 1 {
				// Ignores cancellation so the fetch survives long
				// enough to hit the publication gate.
				<-block
			}
			return []model.RawCluster{clusterAt(pt, "roofing", call)}, nil
		},
	}
	c, _ := newTestCoordinator(source, nil)
	defer c.Close()

	dropsBefore := testutil.ToFloat64(metrics.StaleDrops)

	_, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return source.clusterCtx(0) != nil
	}, 2*time.Second, 10*time.Millisecond, "first fetch never reached the source")

	gen2, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Generation == gen2 && !snap.Loading && len(snap.Clusters) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Let the zombie fetch finish; its publication must be swallowed.
	close(block)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StaleDrops) > dropsBefore
	}, 2*time.Second, 10*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, gen2, snap.Generation)
	require.Len(t, snap.Clusters, 1)
	assert.Equal(t, 2, snap.Clusters[0].ClusterID, "stale payload never replaces the current one")
}

func TestFetchFailureClearsLoading(t *testing.T) {
	source := &stubSource{
		clustersFn: func(_ int, _ context.Context) ([]model.RawCluster, error) {
			return nil, context.DeadlineExceeded
		},
	}
	c, _ := newTestCoordinator(source, nil)
	defer c.Close()

	gen, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Generation == gen && !snap.Loading
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	pt := geo.Point{Lat: 32.7767, Lng: -96.797}
	source := &stubSource{
		clustersFn: func(_ int, _ context.Context) ([]model.RawCluster, error) {
			return []model.RawCluster{clusterAt(pt, "roofing", 1)}, nil
		},
	}
	c, _ := newTestCoordinator(source, map[string]*model.AddressFacets{
		pt.Quantize(): {City: "Dallas"},
	})
	defer c.Close()

	_, err := c.Refresh(Region{Bounds: testBounds, Zoom: 10}, model.Filters{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap.Clusters) == 1 && snap.Clusters[0].AreaName == "Dallas"
	}, 2*time.Second, 10*time.Millisecond)

	snap := c.Snapshot()
	snap.Clusters[0].AreaName = "mangled"
	snap.Clusters[0].Cities[0] = "mangled"

	fresh := c.Snapshot()
	assert.Equal(t, "Dallas", fresh.Clusters[0].AreaName)
	assert.Equal(t, []string{"Dallas"}, fresh.Clusters[0].Cities)
}
