// Package nominatim provides a client for the OpenStreetMap Nominatim
// reverse geocoding API.
package nominatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRateLimited is returned when the provider answers 429. Callers decide
// whether to back off and retry.
var ErrRateLimited = errors.New("nominatim: rate limited")

// Client defines the Nominatim operations used by the enrichment pipeline.
type Client interface {
	// Reverse resolves a coordinate to the nearest known address. A nil
	// Address with nil error means the provider had no result for the
	// point (open water, unmapped areas).
	Reverse(ctx context.Context, lat, lng float64) (*Address, error)
}

// Address is the subset of a Nominatim reverse result the pipeline
// consumes. Every field is optional; absent fields are empty strings.
type Address struct {
	Neighborhood string
	City         string
	County       string
	State        string
	PostalCode   string
	DisplayName  string
}

// Option configures the Nominatim client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing or self-hosted
// instances).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header. The public instance
// rejects requests without an identifying agent.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithEmail attaches a contact email to each request, as the public
// instance's usage policy asks of heavy users.
func WithEmail(email string) Option {
	return func(c *httpClient) {
		c.email = email
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	email     string
	http      *http.Client
}

// NewClient creates a Nominatim client against the public instance.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://nominatim.openstreetmap.org",
		userAgent: "permitmap/1.0 (github.com/fieldscope/permitmap)",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// reverseResponse mirrors the jsonv2 payload. Unknown fields are dropped
// by the decoder; missing fields stay empty.
type reverseResponse struct {
	Error       string         `json:"error"`
	DisplayName string         `json:"display_name"`
	Address     reverseAddress `json:"address"`
}

type reverseAddress struct {
	Neighbourhood string `json:"neighbourhood"`
	Suburb        string `json:"suburb"`
	City          string `json:"city"`
	Town          string `json:"town"`
	Village       string `json:"village"`
	County        string `json:"county"`
	State         string `json:"state"`
	Postcode      string `json:"postcode"`
}

func (c *httpClient) Reverse(ctx context.Context, lat, lng float64) (*Address, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', 6, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	if c.email != "" {
		q.Set("email", c.email)
	}

	reqURL := fmt.Sprintf("%s/reverse?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: reverse request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, eris.Wrap(ErrRateLimited, "nominatim: reverse")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("nominatim: reverse returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: read response")
	}

	var parsed reverseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "nominatim: parse response")
	}

	// The API reports unmappable points as 200 with an error field.
	if parsed.Error != "" {
		zap.L().Debug("nominatim: no result for point",
			zap.Float64("lat", lat),
			zap.Float64("lng", lng),
			zap.String("reason", parsed.Error),
		)
		return nil, nil
	}

	addr := &Address{
		Neighborhood: firstNonEmpty(parsed.Address.Neighbourhood, parsed.Address.Suburb),
		City:         firstNonEmpty(parsed.Address.City, parsed.Address.Town, parsed.Address.Village),
		County:       parsed.Address.County,
		State:        parsed.Address.State,
		PostalCode:   parsed.Address.Postcode,
		DisplayName:  parsed.DisplayName,
	}
	return addr, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
