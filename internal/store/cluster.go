package store

import (
	"math"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

const (
	// maxClusterMemberCoords bounds the member coordinates carried per
	// cluster for downstream reverse geocoding.
	maxClusterMemberCoords = 25

	// maxClusterMemberIDs bounds the location ids carried per cluster
	// for client drill-down.
	maxClusterMemberIDs = 500
)

// clusterCellDegrees returns the clustering grid cell size for a zoom
// level. Each zoom level halves the cell, tracking how slippy-map
// tiles shrink.
func clusterCellDegrees(zoom int) float64 {
	if zoom < 0 {
		zoom = 0
	}
	if zoom > 22 {
		zoom = 22
	}
	return 360 / math.Exp2(float64(zoom+2))
}

type cellKey struct {
	jobType string
	x, y    int
}

// clusterLocations snaps locations onto a zoom-dependent grid and
// aggregates per cell and job type. Cluster ids are assigned in
// first-seen row order, so the same rows always produce the same
// clusters. Both store backends share this path; the SQL side only
// filters by bounding box.
func clusterLocations(locs []model.Location, zoom int) []model.RawCluster {
	if len(locs) == 0 {
		return nil
	}

	cell := clusterCellDegrees(zoom)
	groups := make(map[cellKey]*model.RawCluster)
	sumLat := make(map[cellKey]float64)
	sumLng := make(map[cellKey]float64)
	order := make([]cellKey, 0)

	for _, loc := range locs {
		k := cellKey{
			jobType: loc.JobType,
			x:       int(math.Floor(loc.Lng / cell)),
			y:       int(math.Floor(loc.Lat / cell)),
		}
		rc, ok := groups[k]
		if !ok {
			rc = &model.RawCluster{
				JobType:   loc.JobType,
				ClusterID: len(order) + 1,
			}
			groups[k] = rc
			order = append(order, k)
		}

		rc.TotalPoints++
		sumLat[k] += loc.Lat
		sumLng[k] += loc.Lng
		if len(rc.LocationIDs) < maxClusterMemberIDs {
			rc.LocationIDs = append(rc.LocationIDs, loc.ID)
		}
		if len(rc.LocationCoords) < maxClusterMemberCoords {
			rc.LocationCoords = append(rc.LocationCoords, geo.Point{Lat: loc.Lat, Lng: loc.Lng})
		}
		for _, kw := range loc.Keywords {
			rc.Keywords = appendKeyword(rc.Keywords, kw)
		}
	}

	out := make([]model.RawCluster, 0, len(order))
	for _, k := range order {
		rc := groups[k]
		rc.CenterLat = sumLat[k] / float64(rc.TotalPoints)
		rc.CenterLng = sumLng[k] / float64(rc.TotalPoints)
		out = append(out, *rc)
	}
	return out
}

func appendKeyword(dst []string, kw string) []string {
	if kw == "" {
		return dst
	}
	for _, existing := range dst {
		if existing == kw {
			return dst
		}
	}
	return append(dst, kw)
}
