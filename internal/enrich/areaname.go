package enrich

import (
	"fmt"
	"strings"
)

const (
	// AreaNamePending is published with placeholder clusters while
	// reverse geocoding is still in flight.
	AreaNamePending = "Locating area..."

	// AreaNameUnknown is the terminal name for clusters whose lookups
	// produced no usable address facets.
	AreaNameUnknown = "Unknown Area"
)

// maxNamedNeighborhoods caps how many neighborhoods appear verbatim in
// an area name before the remainder collapses into a "+N more" suffix.
const maxNamedNeighborhoods = 2

// AreaName derives a display name from the facets folded into a cluster
// so far. Neighborhoods take precedence over cities; a cluster with
// neither resolves to AreaNameUnknown.
func AreaName(neighborhoods, cities []string) string {
	if len(neighborhoods) > 0 {
		shown := neighborhoods
		if len(shown) > maxNamedNeighborhoods {
			shown = shown[:maxNamedNeighborhoods]
		}
		name := strings.Join(shown, ", ")
		if extra := len(neighborhoods) - maxNamedNeighborhoods; extra > 0 {
			name = fmt.Sprintf("%s +%d more", name, extra)
		}
		if len(cities) > 0 {
			name = fmt.Sprintf("%s (%s)", name, cities[0])
		}
		return name
	}
	if len(cities) > 0 {
		return strings.Join(cities, ", ")
	}
	return AreaNameUnknown
}
