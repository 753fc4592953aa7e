package geocode

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldscope/permitmap/internal/metrics"
)

// Limiter defaults. The interval keeps a safety margin under a
// 1 request/second provider policy.
const (
	DefaultMinInterval = 1100 * time.Millisecond
	DefaultQueueSize   = 1024
)

// Limiter serializes outbound provider calls. Tasks run strictly in
// submission order on a single worker, with at least the configured
// interval between consecutive dispatch starts. A task runs to completion
// before the next is considered; a task error never stops the worker.
type Limiter struct {
	queue chan *limiterTask
	pacer *rate.Limiter

	depth      atomic.Int64
	dispatched atomic.Int64
	skipped    atomic.Int64
	failures   atomic.Int64
}

type limiterTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// LimiterStats contains limiter counters.
type LimiterStats struct {
	Depth      int64 `json:"depth"`
	Dispatched int64 `json:"dispatched"`
	Skipped    int64 `json:"skipped"`
	Failures   int64 `json:"failures"`
}

// LimiterOption configures a Limiter.
type LimiterOption func(*limiterConfig)

type limiterConfig struct {
	minInterval time.Duration
	queueSize   int
}

// WithMinInterval overrides the minimum gap between dispatch starts.
func WithMinInterval(d time.Duration) LimiterOption {
	return func(c *limiterConfig) {
		c.minInterval = d
	}
}

// WithQueueSize overrides the pending-task queue capacity.
func WithQueueSize(n int) LimiterOption {
	return func(c *limiterConfig) {
		c.queueSize = n
	}
}

// NewLimiter creates a stopped limiter; callers run the worker with
// `go l.Run(ctx)`.
func NewLimiter(opts ...LimiterOption) *Limiter {
	cfg := limiterConfig{
		minInterval: DefaultMinInterval,
		queueSize:   DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Limiter{
		queue: make(chan *limiterTask, cfg.queueSize),
		pacer: rate.NewLimiter(rate.Every(cfg.minInterval), 1),
	}
}

// Run consumes the queue until ctx is canceled. Tasks execute on ctx, not
// on their submitter's context, so a superseded fetch does not abort a
// dispatched provider call; submitters that have gone away are skipped at
// dequeue without consuming an interval slot.
func (l *Limiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain(ctx.Err())
			return
		case t := <-l.queue:
			l.depth.Add(-1)
			metrics.LimiterQueueDepth.Dec()

			if t.ctx.Err() != nil {
				l.skipped.Add(1)
				t.done <- eris.Wrap(t.ctx.Err(), "geocode: task abandoned before dispatch")
				continue
			}

			if err := l.pacer.Wait(ctx); err != nil {
				t.done <- eris.Wrap(err, "geocode: limiter stopped")
				l.drain(ctx.Err())
				return
			}

			l.dispatched.Add(1)
			metrics.LimiterDispatches.Inc()
			if err := t.fn(ctx); err != nil {
				l.failures.Add(1)
				t.done <- err
				continue
			}
			t.done <- nil
		}
	}
}

// drain fails all queued tasks after the worker stops.
func (l *Limiter) drain(cause error) {
	for {
		select {
		case t := <-l.queue:
			l.depth.Add(-1)
			metrics.LimiterQueueDepth.Dec()
			t.done <- eris.Wrap(cause, "geocode: limiter stopped")
		default:
			return
		}
	}
}

// Do enqueues fn and blocks until it has run to completion, the queue
// rejects it, or ctx is canceled while waiting. The returned error is the
// task's own error, if any.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &limiterTask{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case l.queue <- t:
		l.depth.Add(1)
		metrics.LimiterQueueDepth.Inc()
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "geocode: enqueue canceled")
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task is either skipped at dequeue or, if already
		// dispatched, completes without a listener.
		zap.L().Debug("geocode: limiter caller gave up waiting")
		return eris.Wrap(ctx.Err(), "geocode: wait canceled")
	}
}

// Stats returns limiter counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Depth:      l.depth.Load(),
		Dispatched: l.dispatched.Load(),
		Skipped:    l.skipped.Load(),
		Failures:   l.failures.Load(),
	}
}
