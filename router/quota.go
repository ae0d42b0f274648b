// Per-user quota ledgers: concurrent GPU-bound requests, rolling-window
// request counts, and in-flight memory. Each user has an independent lock so
// unrelated users never serialize each other; the router acquires a user's
// lock before any per-GPU lock.

package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limit names used in quota denial reasons and metrics labels.
const (
	LimitConcurrentGPU     = "max_concurrent_gpu"
	LimitRequestsPerWindow = "max_requests_per_window"
	LimitMemoryInFlight    = "max_memory_in_flight_mb"
	LimitPriority          = "max_priority"
)

// QuotaLimits holds a user's configured ceilings. A zero value for any field
// means that limit is not enforced.
type QuotaLimits struct {
	MaxConcurrentGPU     int           `json:"max_concurrent_gpu" yaml:"max_concurrent_gpu"`
	MaxRequestsPerWindow int           `json:"max_requests_per_window" yaml:"max_requests_per_window"`
	MaxMemoryInFlightMB  int64         `json:"max_memory_in_flight_mb" yaml:"max_memory_in_flight_mb"`
	MaxPriority          int           `json:"max_priority" yaml:"max_priority"`
	Window               time.Duration `json:"window" yaml:"window"`
}

// QuotaPatch updates a subset of a user's limits; nil fields are left as-is.
type QuotaPatch struct {
	MaxConcurrentGPU     *int           `json:"max_concurrent_gpu,omitempty"`
	MaxRequestsPerWindow *int           `json:"max_requests_per_window,omitempty"`
	MaxMemoryInFlightMB  *int64         `json:"max_memory_in_flight_mb,omitempty"`
	MaxPriority          *int           `json:"max_priority,omitempty"`
	Window               *time.Duration `json:"window,omitempty"`
}

// UserQuota is the per-user ledger: configured limits plus current counters.
// Counters never go negative; every admitted request decrements them on its
// terminal transition exactly once (enforced by the router's terminal latch).
type UserQuota struct {
	UserID           string      `json:"user_id"`
	Limits           QuotaLimits `json:"limits"`
	GPUInFlight      int         `json:"gpu_in_flight"`
	WindowCount      int         `json:"window_count"`
	MemoryInFlightMB int64       `json:"memory_in_flight_mb"`
	WindowStart      time.Time   `json:"window_start"`
	LastUpdated      time.Time   `json:"last_updated"`
}

// userLedger pairs a UserQuota with its lock. The router holds the lock
// across check-and-reserve so concurrent submissions from the same user
// cannot race past the limits.
type userLedger struct {
	mu sync.Mutex
	q  UserQuota
}

// rollWindow resets the rolling-window counter when the window has elapsed.
// Called with mu held.
func (l *userLedger) rollWindow(now time.Time) {
	w := l.q.Limits.Window
	if w <= 0 {
		return
	}
	if now.Sub(l.q.WindowStart) >= w {
		l.q.WindowCount = 0
		l.q.WindowStart = now
	}
}

// deny checks whether admitting one more request with the given priority and
// memory demand would exceed any configured limit. Returns the limit name and
// a human-readable reason, or ("", "") when allowed. Called with mu held.
func (l *userLedger) deny(priority int, memMB int64, now time.Time) (limit, reason string) {
	return l.denyN(1, priority, memMB, now)
}

// denyN is deny for n co-admitted requests (batch admission counts the whole
// batch against the window limit). Called with mu held.
func (l *userLedger) denyN(n, priority int, memMB int64, now time.Time) (limit, reason string) {
	l.rollWindow(now)
	lim := l.q.Limits
	if lim.MaxRequestsPerWindow > 0 && l.q.WindowCount+n > lim.MaxRequestsPerWindow {
		return LimitRequestsPerWindow, "request limit per window exceeded"
	}
	if lim.MaxConcurrentGPU > 0 && l.q.GPUInFlight+1 > lim.MaxConcurrentGPU {
		return LimitConcurrentGPU, "concurrent GPU request limit exceeded"
	}
	if lim.MaxMemoryInFlightMB > 0 && l.q.MemoryInFlightMB+memMB > lim.MaxMemoryInFlightMB {
		return LimitMemoryInFlight, "in-flight memory limit exceeded"
	}
	if lim.MaxPriority > 0 && priority > lim.MaxPriority {
		return LimitPriority, "requested priority above user's ceiling"
	}
	return "", ""
}

// commitAdmitted counts an admitted request against the rolling window.
// Called with mu held, after deny returned allowed.
func (l *userLedger) commitAdmitted(now time.Time) {
	l.q.WindowCount++
	l.q.LastUpdated = now
}

// canBindGPU reports whether one more GPU-bound request fits under the
// concurrency and memory limits. Called with mu held.
func (l *userLedger) canBindGPU(memMB int64) bool {
	lim := l.q.Limits
	if lim.MaxConcurrentGPU > 0 && l.q.GPUInFlight+1 > lim.MaxConcurrentGPU {
		return false
	}
	if lim.MaxMemoryInFlightMB > 0 && l.q.MemoryInFlightMB+memMB > lim.MaxMemoryInFlightMB {
		return false
	}
	return true
}

// bindGPU records a GPU-bound request. Called with mu held.
func (l *userLedger) bindGPU(memMB int64, now time.Time) {
	l.q.GPUInFlight++
	l.q.MemoryInFlightMB += memMB
	l.q.LastUpdated = now
}

// QuotaStats summarizes quota checking activity for the metrics aggregator.
type QuotaStats struct {
	Checks        int64            `json:"checks"`
	Allowed       int64            `json:"allowed"`
	Denied        int64            `json:"denied"`
	DenialsByName map[string]int64 `json:"denials_by_limit"`
}

// QuotaManager tracks and enforces per-user quotas. Ledgers are created
// lazily on a user's first request and never deleted while requests are
// outstanding (Reset zeroes counters in place).
type QuotaManager struct {
	mu       sync.RWMutex
	users    map[string]*userLedger
	defaults QuotaLimits
	clock    func() time.Time

	statsMu sync.Mutex
	stats   QuotaStats
}

// NewQuotaManager creates a manager applying the given default limits to
// users seen for the first time.
func NewQuotaManager(defaults QuotaLimits) *QuotaManager {
	return &QuotaManager{
		users:    make(map[string]*userLedger),
		defaults: defaults,
		clock:    time.Now,
	}
}

// ledger returns the user's ledger, creating it lazily.
func (m *QuotaManager) ledger(userID string) *userLedger {
	m.mu.RLock()
	l, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.users[userID]; ok {
		return l
	}
	now := m.clock()
	l = &userLedger{q: UserQuota{
		UserID:      userID,
		Limits:      m.defaults,
		WindowStart: now,
		LastUpdated: now,
	}}
	m.users[userID] = l
	return l
}

// Get returns a snapshot of the user's quota, creating the ledger if the
// user is new.
func (m *QuotaManager) Get(userID string) UserQuota {
	l := m.ledger(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindow(m.clock())
	return l.q
}

// Set applies a partial limits update and returns the resulting quota.
func (m *QuotaManager) Set(userID string, patch QuotaPatch) UserQuota {
	l := m.ledger(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if patch.MaxConcurrentGPU != nil {
		l.q.Limits.MaxConcurrentGPU = *patch.MaxConcurrentGPU
	}
	if patch.MaxRequestsPerWindow != nil {
		l.q.Limits.MaxRequestsPerWindow = *patch.MaxRequestsPerWindow
	}
	if patch.MaxMemoryInFlightMB != nil {
		l.q.Limits.MaxMemoryInFlightMB = *patch.MaxMemoryInFlightMB
	}
	if patch.MaxPriority != nil {
		l.q.Limits.MaxPriority = *patch.MaxPriority
	}
	if patch.Window != nil {
		l.q.Limits.Window = *patch.Window
	}
	l.q.LastUpdated = m.clock()
	logrus.Infof("quota for user %s updated: %+v", userID, l.q.Limits)
	return l.q
}

// Reset restores default limits and zeroes the window counter for the user.
// In-flight counters are left alone: outstanding requests still release
// exactly once on their terminal transition.
func (m *QuotaManager) Reset(userID string) {
	l := m.ledger(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := m.clock()
	l.q.Limits = m.defaults
	l.q.WindowCount = 0
	l.q.WindowStart = now
	l.q.LastUpdated = now
	logrus.Infof("quota for user %s reset to defaults", userID)
}

// ReleaseUsage returns a terminal GPU-bound request's reservation to the
// user's ledger. Counters are floored at zero.
func (m *QuotaManager) ReleaseUsage(userID string, memMB int64) {
	l := m.ledger(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q.GPUInFlight--
	if l.q.GPUInFlight < 0 {
		l.q.GPUInFlight = 0
	}
	l.q.MemoryInFlightMB -= memMB
	if l.q.MemoryInFlightMB < 0 {
		l.q.MemoryInFlightMB = 0
	}
	l.q.LastUpdated = m.clock()
}

// Stats returns a snapshot of check/denial counters.
func (m *QuotaManager) Stats() QuotaStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := m.stats
	out.DenialsByName = make(map[string]int64, len(m.stats.DenialsByName))
	for k, v := range m.stats.DenialsByName {
		out.DenialsByName[k] = v
	}
	return out
}

func (m *QuotaManager) recordCheck(limit string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Checks++
	if limit == "" {
		m.stats.Allowed++
		return
	}
	m.stats.Denied++
	if m.stats.DenialsByName == nil {
		m.stats.DenialsByName = make(map[string]int64)
	}
	m.stats.DenialsByName[limit]++
}
