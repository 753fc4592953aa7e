// Package geo provides the spatial primitives shared across the permitmap
// pipeline: WGS84 points, viewport bounding boxes, and coordinate
// quantization for geocode cache keys.
package geo

import (
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// keyPrecision is the number of decimal places kept when deriving a cache
// key, roughly 11 meters of latitude.
const keyPrecision = 4

func roundCoord(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0 // collapse negative zero so keys stay canonical
	}
	return r
}

// Quantize returns the canonical cache key for p: each coordinate rounded
// to 4 decimal places and formatted with fixed precision. Two points that
// round to the same pair always produce the same key regardless of their
// exact float representation.
func (p Point) Quantize() string {
	return strconv.FormatFloat(roundCoord(p.Lat), 'f', keyPrecision, 64) + "," +
		strconv.FormatFloat(roundCoord(p.Lng), 'f', keyPrecision, 64)
}

// Valid reports whether p is a usable WGS84 coordinate.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// BBox is a geographic bounding box in WGS84. Boxes never span the
// antimeridian; a viewport that does is split by the caller.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Validate rejects malformed boxes before they reach a store or provider.
func (b BBox) Validate() error {
	min := Point{Lat: b.MinLat, Lng: b.MinLng}
	max := Point{Lat: b.MaxLat, Lng: b.MaxLng}
	if !min.Valid() || !max.Valid() {
		return eris.New("geo: bounds out of range")
	}
	if b.MinLat >= b.MaxLat {
		return eris.New("geo: min_lat must be less than max_lat")
	}
	if b.MinLng >= b.MaxLng {
		return eris.New("geo: min_lng must be less than max_lng")
	}
	return nil
}

// Contains reports whether p falls inside b, inclusive of edges.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Center returns the box midpoint.
func (b BBox) Center() Point {
	return Point{
		Lat: (b.MinLat + b.MaxLat) / 2,
		Lng: (b.MinLng + b.MaxLng) / 2,
	}
}
