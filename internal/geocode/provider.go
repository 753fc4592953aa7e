package geocode

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
	"github.com/fieldscope/permitmap/pkg/nominatim"
)

// ErrThrottled signals the provider rejected a call for rate reasons.
// The client retries these with backoff before degrading.
var ErrThrottled = errors.New("geocode: provider throttled")

// Provider resolves a point to address facets. A nil result with nil error
// means the provider has no data for the point.
type Provider interface {
	Name() string
	Reverse(ctx context.Context, pt geo.Point) (*model.AddressFacets, error)
}

// NominatimProvider adapts the Nominatim client to the Provider interface.
type NominatimProvider struct {
	client nominatim.Client
}

// NewNominatimProvider wraps a Nominatim client.
func NewNominatimProvider(c nominatim.Client) *NominatimProvider {
	return &NominatimProvider{client: c}
}

// Name identifies the provider in logs and stats.
func (p *NominatimProvider) Name() string {
	return "nominatim"
}

// Reverse maps a Nominatim address onto the domain facet record,
// translating the provider's throttle signal into ErrThrottled.
func (p *NominatimProvider) Reverse(ctx context.Context, pt geo.Point) (*model.AddressFacets, error) {
	addr, err := p.client.Reverse(ctx, pt.Lat, pt.Lng)
	if err != nil {
		if errors.Is(err, nominatim.ErrRateLimited) {
			return nil, eris.Wrap(ErrThrottled, "geocode: nominatim reverse")
		}
		return nil, eris.Wrap(err, "geocode: nominatim reverse")
	}
	if addr == nil {
		return nil, nil
	}
	return &model.AddressFacets{
		Neighborhood: addr.Neighborhood,
		City:         addr.City,
		County:       addr.County,
		State:        addr.State,
		PostalCode:   addr.PostalCode,
	}, nil
}
