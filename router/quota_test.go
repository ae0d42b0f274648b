package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestQuotaManager_LazyLedgerDefaults(t *testing.T) {
	defaults := QuotaLimits{MaxConcurrentGPU: 2, MaxRequestsPerWindow: 10, Window: time.Hour}
	m := NewQuotaManager(defaults)

	q := m.Get("new-user")
	assert.Equal(t, "new-user", q.UserID)
	assert.Equal(t, defaults, q.Limits)
	assert.Zero(t, q.GPUInFlight)
	assert.Zero(t, q.WindowCount)
}

func TestQuotaManager_WindowLimitAndRoll(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{MaxRequestsPerWindow: 2, Window: time.Hour})
	clock, advance := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m.clock = clock

	led := m.ledger("u1")
	led.mu.Lock()
	for i := 0; i < 2; i++ {
		limit, _ := led.deny(3, 0, clock())
		require.Empty(t, limit, "request %d should pass", i)
		led.commitAdmitted(clock())
	}
	limit, reason := led.deny(3, 0, clock())
	assert.Equal(t, LimitRequestsPerWindow, limit)
	assert.NotEmpty(t, reason)

	// The counter resets once the window elapses.
	advance(time.Hour + time.Minute)
	limit, _ = led.deny(3, 0, clock())
	assert.Empty(t, limit)
	led.mu.Unlock()
}

func TestQuotaManager_ConcurrencyLimit(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{MaxConcurrentGPU: 1})
	now := time.Now()

	led := m.ledger("u1")
	led.mu.Lock()
	limit, _ := led.deny(3, 0, now)
	require.Empty(t, limit)
	led.bindGPU(4000, now)

	limit, _ = led.deny(3, 0, now)
	assert.Equal(t, LimitConcurrentGPU, limit)
	assert.False(t, led.canBindGPU(0))
	led.mu.Unlock()

	m.ReleaseUsage("u1", 4000)
	led.mu.Lock()
	limit, _ = led.deny(3, 0, now)
	assert.Empty(t, limit)
	led.mu.Unlock()
}

func TestQuotaManager_MemoryAndPriorityLimits(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{MaxMemoryInFlightMB: 8000, MaxPriority: 3})
	now := time.Now()
	led := m.ledger("u1")

	led.mu.Lock()
	defer led.mu.Unlock()

	limit, _ := led.deny(3, 9000, now)
	assert.Equal(t, LimitMemoryInFlight, limit)

	limit, _ = led.deny(5, 1000, now)
	assert.Equal(t, LimitPriority, limit)

	limit, _ = led.deny(3, 8000, now)
	assert.Empty(t, limit)
}

func TestQuotaManager_SetPatchAndReset(t *testing.T) {
	defaults := QuotaLimits{MaxConcurrentGPU: 2, MaxRequestsPerWindow: 100, Window: time.Hour}
	m := NewQuotaManager(defaults)

	five := 5
	q := m.Set("u1", QuotaPatch{MaxConcurrentGPU: &five})
	assert.Equal(t, 5, q.Limits.MaxConcurrentGPU)
	// Untouched fields keep their values.
	assert.Equal(t, 100, q.Limits.MaxRequestsPerWindow)

	// Reset restores defaults and zeroes the window but leaves in-flight
	// counters for outstanding requests to release.
	led := m.ledger("u1")
	led.mu.Lock()
	led.bindGPU(2000, time.Now())
	led.commitAdmitted(time.Now())
	led.mu.Unlock()

	m.Reset("u1")
	q = m.Get("u1")
	assert.Equal(t, defaults, q.Limits)
	assert.Zero(t, q.WindowCount)
	assert.Equal(t, 1, q.GPUInFlight)
	assert.Equal(t, int64(2000), q.MemoryInFlightMB)
}

func TestQuotaManager_ReleaseFloorsAtZero(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{})
	m.ReleaseUsage("u1", 4000)
	q := m.Get("u1")
	assert.Zero(t, q.GPUInFlight)
	assert.Zero(t, q.MemoryInFlightMB)
}

func TestQuotaManager_ZeroLimitsUnenforced(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{})
	now := time.Now()
	led := m.ledger("u1")

	led.mu.Lock()
	defer led.mu.Unlock()
	for i := 0; i < 500; i++ {
		limit, _ := led.deny(5, 1<<40, now)
		require.Empty(t, limit)
		led.commitAdmitted(now)
		led.bindGPU(1<<30, now)
	}
}

func TestQuotaManager_DenialStats(t *testing.T) {
	m := NewQuotaManager(QuotaLimits{MaxConcurrentGPU: 1})
	m.recordCheck("")
	m.recordCheck(LimitConcurrentGPU)
	m.recordCheck(LimitConcurrentGPU)
	m.recordCheck(LimitRequestsPerWindow)

	stats := m.Stats()
	assert.Equal(t, int64(4), stats.Checks)
	assert.Equal(t, int64(1), stats.Allowed)
	assert.Equal(t, int64(3), stats.Denied)
	assert.Equal(t, int64(2), stats.DenialsByName[LimitConcurrentGPU])
	assert.Equal(t, int64(1), stats.DenialsByName[LimitRequestsPerWindow])
}
