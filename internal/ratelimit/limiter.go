package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/szaher/profilegate/internal/telemetry"
)

// ErrQuotaExceeded reports that the external API's call budget is spent.
// It is an expected, frequent condition: callers must serve from cache or
// defer, and the limiter never swallows it.
var ErrQuotaExceeded = errors.New("ratelimit: quota exceeded")

// Defaults for burst smoothing.
const (
	DefaultLowWater = 100
	DefaultMaxWait  = 30 * time.Second
)

// Quota describes an external API call budget.
type Quota struct {
	// Capacity is the maximum number of calls per refill window.
	Capacity int

	// RefillWindow is the period over which Capacity replenishes, e.g.
	// 5000 calls per hour.
	RefillWindow time.Duration
}

// Rate returns the refill rate in tokens per second.
func (q Quota) Rate() float64 {
	if q.RefillWindow <= 0 {
		return 0
	}
	return float64(q.Capacity) / q.RefillWindow.Seconds()
}

// Limiter gates calls to the external API for one tenant. It prefers the
// coordinated bucket and falls back to the process-local bucket when the
// shared store is unreachable, re-probing the coordinated path on every
// call so store recovery is observed without a restart.
type Limiter struct {
	tenant      string
	quota       Quota
	local       *Bucket
	coordinated *CoordinatedBucket
	lowWater    float64
	maxWait     time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	// sleep is swappable so tests avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithCoordination stores bucket state in etcd under a key derived from
// the tenant, shared by every process holding the same quota.
func WithCoordination(client *clientv3.Client, opTimeout time.Duration) LimiterOption {
	return func(l *Limiter) {
		key := "profilegate/ratelimit/" + l.tenant
		l.coordinated = NewCoordinatedBucket(client, key, l.quota.Capacity, l.quota.Rate(), opTimeout)
	}
}

// WithLowWater overrides the token level below which WaitIfNeeded sleeps.
func WithLowWater(tokens float64) LimiterOption {
	return func(l *Limiter) { l.lowWater = tokens }
}

// WithMaxWait caps a single WaitIfNeeded sleep.
func WithMaxWait(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.maxWait = d }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = logger }
}

// WithLimiterMetrics attaches Prometheus collectors.
func WithLimiterMetrics(metrics *telemetry.Metrics) LimiterOption {
	return func(l *Limiter) { l.metrics = metrics }
}

// NewLimiter creates a limiter for one tenant's quota.
func NewLimiter(tenant string, quota Quota, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		tenant:   tenant,
		quota:    quota,
		local:    NewBucket(quota.Capacity, quota.Rate()),
		lowWater: DefaultLowWater,
		maxWait:  DefaultMaxWait,
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.coordinated != nil {
		l.coordinated.logger = l.logger
	}
	return l
}

// Acquire consumes one token for a call to the given endpoint. It returns
// nil when the call may proceed and ErrQuotaExceeded (wrapped) when the
// budget is spent.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	granted := l.consume(ctx)
	if !granted {
		l.logger.Warn("quota exceeded", "tenant", l.tenant, "endpoint", endpoint)
		l.recordDecision("denied")
		return fmt.Errorf("acquire for %q: %w", endpoint, ErrQuotaExceeded)
	}
	l.recordDecision("granted")
	return nil
}

func (l *Limiter) consume(ctx context.Context) bool {
	if l.coordinated != nil {
		granted, err := l.coordinated.Consume(ctx, 1)
		if err == nil {
			return granted
		}
		l.logger.Warn("coordinated limiter unavailable, using local bucket",
			"tenant", l.tenant, "error", err)
		if l.metrics != nil {
			l.metrics.QuotaDegradation.Inc()
		}
	}
	return l.local.Consume(1)
}

// RemainingEstimate reports the best-effort current token count. Under the
// local-fallback path the estimate can be optimistic, since other processes
// may be spending the same shared quota.
func (l *Limiter) RemainingEstimate(ctx context.Context) float64 {
	remaining := l.remainingEstimate(ctx)
	if l.metrics != nil {
		l.metrics.QuotaRemaining.WithLabelValues(l.tenant).Set(remaining)
	}
	return remaining
}

func (l *Limiter) remainingEstimate(ctx context.Context) float64 {
	if l.coordinated != nil {
		remaining, err := l.coordinated.Remaining(ctx)
		if err == nil {
			return remaining
		}
		l.logger.Warn("coordinated limiter unavailable, using local estimate",
			"tenant", l.tenant, "error", err)
		if l.metrics != nil {
			l.metrics.QuotaDegradation.Inc()
		}
	}
	return l.local.Available()
}

// WaitIfNeeded smooths bursty callers: when the estimate drops below the
// low-water mark it sleeps long enough for the shortfall to refill, capped
// at maxWait, instead of letting every caller fail at once. The sleep
// honors ctx cancellation.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	remaining := l.RemainingEstimate(ctx)
	if remaining >= l.lowWater {
		return nil
	}

	rate := l.quota.Rate()
	if rate <= 0 {
		return nil
	}
	wait := time.Duration((l.lowWater - remaining) / rate * float64(time.Second))
	if wait > l.maxWait {
		wait = l.maxWait
	}

	l.logger.Info("quota low, smoothing",
		"tenant", l.tenant, "remaining", remaining, "wait", wait)
	if l.metrics != nil {
		l.metrics.QuotaWaitSeconds.Observe(wait.Seconds())
	}
	return l.sleep(ctx, wait)
}

func (l *Limiter) recordDecision(result string) {
	if l.metrics != nil {
		l.metrics.QuotaDecisions.WithLabelValues(l.tenant, result).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry hands out one Limiter per tenant and supports replacing quotas
// at runtime when the config file changes.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	defaults Quota
	build    func(tenant string, quota Quota) *Limiter
}

// NewRegistry creates a registry. build constructs a limiter for a tenant;
// it captures coordination, logging, and metrics options at the call site.
func NewRegistry(defaults Quota, build func(tenant string, quota Quota) *Limiter) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
		build:    build,
	}
}

// ForTenant returns the limiter for tenant, creating one with the default
// quota on first use.
func (r *Registry) ForTenant(tenant string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[tenant]; ok {
		return l
	}
	l := r.build(tenant, r.defaults)
	r.limiters[tenant] = l
	return l
}

// SetQuota replaces the limiter for tenant with one built from quota.
// Called by the config watcher on hot reload.
func (r *Registry) SetQuota(tenant string, quota Quota) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[tenant] = r.build(tenant, quota)
}
