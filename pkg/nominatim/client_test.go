package nominatim

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dallasFixture = `{
	"place_id": 123456,
	"licence": "Data by OpenStreetMap",
	"osm_type": "way",
	"display_name": "1500 Marilla Street, Downtown, Dallas, Dallas County, Texas, 75201, United States",
	"address": {
		"house_number": "1500",
		"road": "Marilla Street",
		"neighbourhood": "Downtown",
		"city": "Dallas",
		"county": "Dallas County",
		"state": "Texas",
		"postcode": "75201",
		"country": "United States",
		"country_code": "us"
	},
	"boundingbox": ["32.775", "32.778", "-96.798", "-96.795"]
}`

func TestReverse_ParsesFacets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "18", r.URL.Query().Get("zoom"))
		assert.Equal(t, "1", r.URL.Query().Get("addressdetails"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(dallasFixture))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Reverse(context.Background(), 32.7767, -96.797)
	require.NoError(t, err)
	require.NotNil(t, addr)

	assert.Equal(t, "Downtown", addr.Neighborhood)
	assert.Equal(t, "Dallas", addr.City)
	assert.Equal(t, "Dallas County", addr.County)
	assert.Equal(t, "Texas", addr.State)
	assert.Equal(t, "75201", addr.PostalCode)
}

func TestReverse_SuburbAndTownFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"display_name": "Prosper, Collin County, Texas, United States",
			"address": {"suburb": "Old Town", "town": "Prosper", "county": "Collin County", "state": "Texas"}
		}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Reverse(context.Background(), 33.2362, -96.8011)
	require.NoError(t, err)
	require.NotNil(t, addr)

	assert.Equal(t, "Old Town", addr.Neighborhood)
	assert.Equal(t, "Prosper", addr.City)
	assert.Equal(t, "", addr.PostalCode)
}

func TestReverse_MissingFacetsTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"display_name": "Texas, United States", "address": {"state": "Texas"}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Reverse(context.Background(), 31.0, -99.0)
	require.NoError(t, err)
	require.NotNil(t, addr)

	assert.Empty(t, addr.Neighborhood)
	assert.Empty(t, addr.City)
	assert.Equal(t, "Texas", addr.State)
}

func TestReverse_UnableToGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": "Unable to geocode"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Reverse(context.Background(), 0.0, -150.0)
	require.NoError(t, err)
	assert.Nil(t, addr)
}

func TestReverse_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Reverse(context.Background(), 32.7767, -96.797)
	require.Error(t, err)
	assert.Nil(t, addr)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(1), calls.Load())
}

func TestReverse_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.Reverse(context.Background(), 32.7767, -96.797)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestReverse_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.Reverse(context.Background(), 32.7767, -96.797)
	require.Error(t, err)
}

func TestReverse_CustomUserAgentAndEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "permitmap-test/0.1", r.Header.Get("User-Agent"))
		assert.Equal(t, "ops@fieldscope.io", r.URL.Query().Get("email"))
		_, _ = w.Write([]byte(dallasFixture))
	}))
	defer srv.Close()

	c := NewClient(
		WithBaseURL(srv.URL),
		WithUserAgent("permitmap-test/0.1"),
		WithEmail("ops@fieldscope.io"),
	)
	_, err := c.Reverse(context.Background(), 32.7767, -96.797)
	require.NoError(t, err)
}
