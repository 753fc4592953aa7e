package geocode

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/model"
	"github.com/fieldscope/permitmap/internal/resilience"
)

// Client resolves points to address facets through the cache, the serial
// rate limiter, and the provider. Lookups for the same quantized key are
// coalesced so at most one network call per key is ever in flight.
type Client struct {
	provider Provider
	cache    *Cache
	limiter  *Limiter
	retry    resilience.RetryConfig
	flight   singleflight.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryConfig overrides the throttle retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// NewClient wires a provider behind the shared cache and limiter. Cache
// and limiter are process-wide: one instance serves every fetch
// generation.
func NewClient(provider Provider, cache *Cache, limiter *Limiter, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		cache:    cache,
		limiter:  limiter,
		retry:    throttleRetry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func throttleRetry() resilience.RetryConfig {
	cfg := resilience.ThrottleRetryConfig()
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, ErrThrottled)
	}
	cfg.OnRetry = func(attempt int, err error) {
		metrics.GeocodeRetries.Inc()
		zap.L().Debug("geocode: provider throttled, backing off",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return cfg
}

// Resolve returns the facets for pt, or nil when no enrichment is
// available. Cache hits return without touching the limiter. A nil result
// with nil error is the normal degraded outcome for failed lookups; the
// only error returned is the caller's own context ending.
func (c *Client) Resolve(ctx context.Context, pt geo.Point) (*model.AddressFacets, error) {
	if facets, ok := c.cache.Get(pt); ok {
		metrics.GeocodeLookups.WithLabelValues(metrics.OutcomeCacheHit).Inc()
		return &facets, nil
	}

	key := pt.Quantize()
	lookup := func() (any, error) {
		f, err := c.lookup(ctx, pt)
		return f, err
	}
	v, err, _ := c.flight.Do(key, lookup)
	if err != nil && ctx.Err() == nil && isCancellation(err) {
		// The coalesced leader's context died while its task was queued;
		// that failure is the leader's, not ours. Rerun the flight so
		// this caller's live context drives a fresh lookup.
		v, err, _ = c.flight.Do(key, lookup)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		metrics.GeocodeLookups.WithLabelValues(metrics.OutcomeFailed).Inc()
		zap.L().Warn("geocode: lookup degraded to absent",
			zap.String("provider", c.provider.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, nil
	}

	facets := v.(model.AddressFacets)
	return &facets, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lookup performs the rate-limited provider call with throttle retries and
// writes the cache on success. The provider call itself runs on the
// limiter's context, so a canceled caller does not abort a dispatched
// request; its result still lands in the cache for the next generation.
func (c *Client) lookup(ctx context.Context, pt geo.Point) (model.AddressFacets, error) {
	var facets model.AddressFacets

	err := c.limiter.Do(ctx, func(taskCtx context.Context) error {
		resolved, err := resilience.DoVal(taskCtx, c.retry, func(ctx context.Context) (*model.AddressFacets, error) {
			return c.provider.Reverse(ctx, pt)
		})
		if err != nil {
			return err
		}
		if resolved == nil {
			// No data for this point. Cache the empty record so the
			// provider is not asked again for a week.
			metrics.GeocodeLookups.WithLabelValues(metrics.OutcomeNoResult).Inc()
		} else {
			metrics.GeocodeLookups.WithLabelValues(metrics.OutcomeResolved).Inc()
			facets = *resolved
		}
		c.cache.Put(pt, facets)
		return nil
	})
	if err != nil {
		return model.AddressFacets{}, err
	}
	return facets, nil
}

// CacheStats exposes the underlying cache counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// LimiterStats exposes the underlying limiter counters.
func (c *Client) LimiterStats() LimiterStats {
	return c.limiter.Stats()
}
