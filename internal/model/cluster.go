package model

import (
	"strconv"

	"github.com/fieldscope/permitmap/internal/geo"
)

// RawCluster is a pre-aggregated group of nearby locations returned by a
// bounded-region cluster query. The (JobType, ClusterID) pair is unique
// within one response only; ids may be reassigned on the next fetch.
type RawCluster struct {
	JobType        string      `json:"job_type"`
	ClusterID      int         `json:"cluster_id"`
	TotalPoints    int         `json:"total_points"`
	CenterLat      float64     `json:"center_lat"`
	CenterLng      float64     `json:"center_lng"`
	Keywords       []string    `json:"keywords,omitempty"`
	LocationIDs    []int64     `json:"location_ids,omitempty"`
	LocationCoords []geo.Point `json:"location_coords,omitempty"`
}

// Key returns the per-response identity of the cluster.
func (c RawCluster) Key() string {
	return c.JobType + ":" + strconv.Itoa(c.ClusterID)
}

// Center returns the cluster centroid.
func (c RawCluster) Center() geo.Point {
	return geo.Point{Lat: c.CenterLat, Lng: c.CenterLng}
}

// EnrichedCluster is a RawCluster annotated with resolved area facets.
// Facet slices are deduplicated and preserve first-seen order; within one
// fetch generation they only grow.
type EnrichedCluster struct {
	RawCluster
	AreaName      string   `json:"area_name"`
	Neighborhoods []string `json:"neighborhoods"`
	Cities        []string `json:"cities"`
	Counties      []string `json:"counties"`
	PostalCodes   []string `json:"postal_codes"`
	State         string   `json:"state,omitempty"`
}

// Clone returns a deep copy safe to hand across a publication boundary
// while the original keeps accumulating facets.
func (c EnrichedCluster) Clone() EnrichedCluster {
	out := c
	out.Keywords = append([]string(nil), c.Keywords...)
	out.LocationIDs = append([]int64(nil), c.LocationIDs...)
	out.LocationCoords = append([]geo.Point(nil), c.LocationCoords...)
	out.Neighborhoods = append([]string(nil), c.Neighborhoods...)
	out.Cities = append([]string(nil), c.Cities...)
	out.Counties = append([]string(nil), c.Counties...)
	out.PostalCodes = append([]string(nil), c.PostalCodes...)
	return out
}
