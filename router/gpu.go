// GPU state registry: live per-device snapshots refreshed by the telemetry
// collaborator, plus reservation accounting owned by the router. The two
// write paths never race: telemetry updates device-reported fields, the
// router updates reservation membership, and both run under the device lock.

package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GPUHealth is the device health classification reported by telemetry.
type GPUHealth string

const (
	HealthHealthy   GPUHealth = "healthy"
	HealthDegraded  GPUHealth = "degraded"
	HealthUnhealthy GPUHealth = "unhealthy"
	HealthDraining  GPUHealth = "draining"
)

// schedulable reports whether new work may be placed on a device in this
// state. Degraded devices still accept work; unhealthy and draining do not.
func (h GPUHealth) schedulable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// GPUState is a point-in-time value snapshot of one device, safe to hand to
// callers and selection strategies.
type GPUState struct {
	ID            string    `json:"gpu_id"`
	Name          string    `json:"name"`
	MemoryTotalMB int64     `json:"memory_total"`
	MemoryUsedMB  int64     `json:"memory_used"`
	MemoryFreeMB  int64     `json:"memory_free"`
	Utilization   float64   `json:"utilization"` // 0..100
	Temperature   float64   `json:"temperature"`
	Status        GPUHealth `json:"status"`

	ActiveRequests []string  `json:"active_requests"`
	QueuedRequests int       `json:"queued_requests"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TelemetryReading is one device sample from the external telemetry source.
type TelemetryReading struct {
	GPUID         string    `json:"gpu_id"`
	Name          string    `json:"name"`
	MemoryTotalMB int64     `json:"memory_total"`
	MemoryUsedMB  int64     `json:"memory_used"`
	Utilization   float64   `json:"utilization"`
	Temperature   float64   `json:"temperature"`
	Status        GPUHealth `json:"status"`
}

// gpuDevice is the registry's internal mutable record for one device.
// reservedMB tracks memory held by routed requests and is accounted
// separately from the telemetry-reported memoryUsedMB, so a telemetry
// refresh can never clobber in-flight reservations.
type gpuDevice struct {
	mu sync.Mutex

	id            string
	name          string
	memoryTotalMB int64
	memoryUsedMB  int64 // as reported by telemetry
	reservedMB    int64 // held by active reservations
	utilization   float64
	temperature   float64
	status        GPUHealth

	active map[string]int64 // request id -> reserved MB
	queued int
	update time.Time
}

// freeMB computes remaining schedulable memory. Called with mu held.
func (d *gpuDevice) freeMB() int64 {
	free := d.memoryTotalMB - d.memoryUsedMB - d.reservedMB
	if free < 0 {
		free = 0
	}
	return free
}

// snapshot builds a value copy. Called with mu held. Reported used memory
// combines the telemetry sample with held reservations; once a running
// request's consumption shows up in telemetry the sum can overshoot, so it is
// clamped to the device total.
func (d *gpuDevice) snapshot() GPUState {
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	used := d.memoryUsedMB + d.reservedMB
	if used > d.memoryTotalMB {
		used = d.memoryTotalMB
	}
	return GPUState{
		ID:             d.id,
		Name:           d.name,
		MemoryTotalMB:  d.memoryTotalMB,
		MemoryUsedMB:   used,
		MemoryFreeMB:   d.freeMB(),
		Utilization:    d.utilization,
		Temperature:    d.temperature,
		Status:         d.status,
		ActiveRequests: ids,
		QueuedRequests: d.queued,
		UpdatedAt:      d.update,
	}
}

// GPURegistry maintains the device map. The registry-level lock guards only
// the map; each device carries its own lock for state mutation, so unrelated
// devices never serialize each other.
type GPURegistry struct {
	mu      sync.RWMutex
	devices map[string]*gpuDevice
	order   []string // insertion order, for deterministic candidate lists

	// released receives a signal whenever a device's free memory grows
	// (reservation released or telemetry reports more headroom), waking
	// the router's requeue loop. Buffered so signalling never blocks.
	released chan struct{}

	clock func() time.Time
}

// NewGPURegistry creates an empty registry.
func NewGPURegistry() *GPURegistry {
	return &GPURegistry{
		devices:  make(map[string]*gpuDevice),
		released: make(chan struct{}, 1),
		clock:    time.Now,
	}
}

// ReleaseWake returns the channel signalled whenever free capacity grows.
func (g *GPURegistry) ReleaseWake() <-chan struct{} {
	return g.released
}

func (g *GPURegistry) signalRelease() {
	select {
	case g.released <- struct{}{}:
	default:
	}
}

// device looks up a device by id.
func (g *GPURegistry) device(id string) (*gpuDevice, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.devices[id]
	return d, ok
}

// UpdateTelemetry upserts a device from a telemetry sample. Only the
// device-reported fields change; reservation membership is untouched.
func (g *GPURegistry) UpdateTelemetry(r TelemetryReading) {
	if r.GPUID == "" {
		return
	}
	g.mu.Lock()
	d, ok := g.devices[r.GPUID]
	if !ok {
		d = &gpuDevice{id: r.GPUID, active: make(map[string]int64), status: HealthHealthy}
		g.devices[r.GPUID] = d
		g.order = append(g.order, r.GPUID)
		logrus.Infof("gpu %s (%s) registered, %d MB total", r.GPUID, r.Name, r.MemoryTotalMB)
	}
	g.mu.Unlock()

	d.mu.Lock()
	before := d.freeMB()
	d.name = r.Name
	d.memoryTotalMB = r.MemoryTotalMB
	d.memoryUsedMB = r.MemoryUsedMB
	d.utilization = r.Utilization
	d.temperature = r.Temperature
	if r.Status != "" {
		d.status = r.Status
	}
	d.update = g.clock()
	grew := d.freeMB() > before
	d.mu.Unlock()

	if grew {
		g.signalRelease()
	}
}

// Snapshot returns value copies of all devices in registration order.
func (g *GPURegistry) Snapshot() []GPUState {
	g.mu.RLock()
	ids := append([]string(nil), g.order...)
	g.mu.RUnlock()

	out := make([]GPUState, 0, len(ids))
	for _, id := range ids {
		if d, ok := g.device(id); ok {
			d.mu.Lock()
			out = append(out, d.snapshot())
			d.mu.Unlock()
		}
	}
	return out
}

// Get returns a snapshot of one device.
func (g *GPURegistry) Get(id string) (GPUState, bool) {
	d, ok := g.device(id)
	if !ok {
		return GPUState{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), true
}

// Candidates returns snapshots of schedulable devices whose free memory can
// fit requiredMB, in registration order. Strategies only ever choose among
// these; they never invent capacity.
func (g *GPURegistry) Candidates(requiredMB int64) []GPUState {
	all := g.Snapshot()
	out := make([]GPUState, 0, len(all))
	for _, s := range all {
		if s.Status.schedulable() && s.MemoryFreeMB >= requiredMB {
			out = append(out, s)
		}
	}
	return out
}

// Reserve atomically places a request on a device: re-validates fit under
// the device lock (the candidate snapshot may be stale), inserts the request
// into the active set, and holds its memory. Fails if the device vanished,
// is no longer schedulable, or no longer fits.
func (g *GPURegistry) Reserve(gpuID string, requestID string, memMB int64) error {
	d, ok := g.device(gpuID)
	if !ok {
		return newNotFoundError("gpu", gpuID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.schedulable() {
		return newCapacityError(fmt.Sprintf("gpu %s is %s", gpuID, d.status))
	}
	if d.freeMB() < memMB {
		return newCapacityError(fmt.Sprintf("gpu %s has %d MB free, need %d MB", gpuID, d.freeMB(), memMB))
	}
	if _, dup := d.active[requestID]; dup {
		return fmt.Errorf("request %s already active on gpu %s", requestID, gpuID)
	}
	d.active[requestID] = memMB
	d.reservedMB += memMB
	return nil
}

// Release removes a request's reservation from a device and wakes the
// requeue loop. Releasing an unknown request is a no-op (the terminal latch
// upstream guarantees at-most-once release, this is only a guard).
func (g *GPURegistry) Release(gpuID string, requestID string) {
	d, ok := g.device(gpuID)
	if !ok {
		return
	}
	d.mu.Lock()
	memMB, held := d.active[requestID]
	if held {
		delete(d.active, requestID)
		d.reservedMB -= memMB
		if d.reservedMB < 0 {
			d.reservedMB = 0
		}
	}
	d.mu.Unlock()

	if held {
		g.signalRelease()
	}
}

// AddQueued adjusts a device's queued-request count (pinned batch members
// waiting for that specific device).
func (g *GPURegistry) AddQueued(gpuID string, delta int) {
	d, ok := g.device(gpuID)
	if !ok {
		return
	}
	d.mu.Lock()
	d.queued += delta
	if d.queued < 0 {
		d.queued = 0
	}
	d.mu.Unlock()
}
