package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/szaher/profilegate/internal/telemetry"
	"github.com/szaher/profilegate/internal/testutil"
)

func TestLimiterAcquireGrantsUpToCapacity(t *testing.T) {
	l := NewLimiter("default", Quota{Capacity: 3, RefillWindow: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "/user"); err != nil {
			t.Fatalf("acquire %d should succeed, got %v", i+1, err)
		}
	}

	err := l.Acquire(ctx, "/user")
	if err == nil {
		t.Fatal("expected quota exceeded after capacity spent")
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error should wrap ErrQuotaExceeded, got %v", err)
	}
}

func TestLimiterAcquireErrorNamesEndpoint(t *testing.T) {
	l := NewLimiter("default", Quota{Capacity: 1, RefillWindow: time.Hour})
	ctx := context.Background()

	if err := l.Acquire(ctx, "/repos"); err != nil {
		t.Fatalf("first acquire should succeed, got %v", err)
	}
	err := l.Acquire(ctx, "/repos")
	if err == nil || !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected wrapped ErrQuotaExceeded, got %v", err)
	}
}

func TestLimiterWaitIfNeededAboveLowWater(t *testing.T) {
	l := NewLimiter("default", Quota{Capacity: 5000, RefillWindow: time.Hour},
		WithLowWater(100))

	slept := false
	l.sleep = func(context.Context, time.Duration) error {
		slept = true
		return nil
	}

	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slept {
		t.Error("full bucket should not trigger a wait")
	}
}

func TestLimiterWaitIfNeededBelowLowWaterCapsAtMaxWait(t *testing.T) {
	l := NewLimiter("default", Quota{Capacity: 3, RefillWindow: time.Hour},
		WithLowWater(10),
		WithMaxWait(5*time.Second))

	var waited time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		waited = d
		return nil
	}

	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The shortfall of 7 tokens at 3/hour would take hours to refill; the
	// wait must be capped.
	if waited != 5*time.Second {
		t.Errorf("expected wait capped at 5s, got %v", waited)
	}
}

func TestSleepContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepContext(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestQuotaRate(t *testing.T) {
	tests := []struct {
		name  string
		quota Quota
		want  float64
	}{
		{"hourly", Quota{Capacity: 3600, RefillWindow: time.Hour}, 1},
		{"per second", Quota{Capacity: 10, RefillWindow: time.Second}, 10},
		{"zero window", Quota{Capacity: 10, RefillWindow: 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.quota.Rate(); got != tt.want {
				t.Errorf("Rate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// newDegradedLimiter returns a limiter whose coordinated path always fails
// with a store error, plus the buffer its logger writes to.
func newDegradedLimiter(t *testing.T, quota Quota) (*Limiter, *bytes.Buffer) {
	t.Helper()

	fake := testutil.NewFakeEtcd()
	fake.GetErr = errors.New("connection refused")

	var buf bytes.Buffer
	logger := telemetry.NewLogger(&buf, slog.LevelDebug)

	l := NewLimiter("default", quota, WithLimiterLogger(logger))
	l.coordinated = &CoordinatedBucket{
		client:     fake,
		key:        coordinatedKey,
		capacity:   float64(quota.Capacity),
		refillRate: quota.Rate(),
		opTimeout:  time.Second,
		logger:     logger,
		now:        time.Now,
	}
	return l, &buf
}

func TestLimiterFallsBackToLocalOnStoreError(t *testing.T) {
	l, buf := newDegradedLimiter(t, Quota{Capacity: 3, RefillWindow: time.Hour})

	if err := l.Acquire(context.Background(), "/user"); err != nil {
		t.Fatalf("acquire should fall back to the local bucket, got %v", err)
	}
	if !strings.Contains(buf.String(), "using local bucket") {
		t.Error("falling back to the local bucket must be logged")
	}
}

func TestLimiterRemainingEstimateDegradation(t *testing.T) {
	l, buf := newDegradedLimiter(t, Quota{Capacity: 3, RefillWindow: time.Hour})

	remaining := l.RemainingEstimate(context.Background())
	if remaining != 3 {
		t.Errorf("expected the local bucket estimate of 3, got %v", remaining)
	}
	if !strings.Contains(buf.String(), "using local estimate") {
		t.Error("estimate degradation must be logged")
	}
}

func TestRegistryReusesLimiterPerTenant(t *testing.T) {
	builds := 0
	r := NewRegistry(Quota{Capacity: 100, RefillWindow: time.Hour},
		func(tenant string, quota Quota) *Limiter {
			builds++
			return NewLimiter(tenant, quota)
		})

	a := r.ForTenant("acme")
	b := r.ForTenant("acme")
	if a != b {
		t.Error("same tenant should get the same limiter instance")
	}
	if builds != 1 {
		t.Errorf("expected 1 build for repeated lookups, got %d", builds)
	}

	r.ForTenant("other")
	if builds != 2 {
		t.Errorf("expected a second build for a new tenant, got %d", builds)
	}
}

func TestRegistrySetQuotaReplacesLimiter(t *testing.T) {
	r := NewRegistry(Quota{Capacity: 100, RefillWindow: time.Hour},
		func(tenant string, quota Quota) *Limiter {
			return NewLimiter(tenant, quota)
		})

	before := r.ForTenant("acme")
	r.SetQuota("acme", Quota{Capacity: 10, RefillWindow: time.Hour})
	after := r.ForTenant("acme")

	if before == after {
		t.Error("SetQuota should replace the limiter instance")
	}
	if got := after.local.Capacity(); got != 10 {
		t.Errorf("replaced limiter should carry the new capacity, got %v", got)
	}
}
