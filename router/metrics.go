// Routing metrics: internal counters kept by the dispatcher, a read-only
// aggregator composing them with quota and GPU state into a report, and a
// Prometheus collector exposing the same numbers as gauges and counters.

package router

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// routerStats holds the dispatcher's monotonic counters. All methods are
// safe for concurrent use.
type routerStats struct {
	mu sync.Mutex

	submitted     int64
	routedDirect  int64
	queuedAtEntry int64
	requeued      int64

	completed int64
	failed    int64
	cancelled int64
	expired   int64

	rejectedValidation int64
	rejectedQuota      int64
	rejectedCapacity   int64

	byType map[RequestType]int64

	responseTotal time.Duration
	responseCount int64
}

func (s *routerStats) admitted(t RequestType, routed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
	if routed {
		s.routedDirect++
	} else {
		s.queuedAtEntry++
	}
	if s.byType == nil {
		s.byType = make(map[RequestType]int64)
	}
	s.byType[t]++
}

func (s *routerStats) rejected(kind ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindValidation:
		s.rejectedValidation++
	case KindQuotaExceeded:
		s.rejectedQuota++
	case KindCapacityUnavailable:
		s.rejectedCapacity++
	}
}

func (s *routerStats) requeuedAssigned() {
	s.mu.Lock()
	s.requeued++
	s.mu.Unlock()
}

// terminal records a terminal transition. duration is nonzero only for
// completed requests and feeds the average response time.
func (s *routerStats) terminal(to RequestStatus, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch to {
	case StatusCompleted:
		s.completed++
		if duration > 0 {
			s.responseTotal += duration
			s.responseCount++
		}
	case StatusFailed:
		s.failed++
	case StatusCancelled:
		s.cancelled++
	case StatusExpired:
		s.expired++
	}
}

// RouterStats is a value snapshot of the dispatcher's counters.
type RouterStats struct {
	Submitted          int64            `json:"submitted"`
	RoutedDirect       int64            `json:"routed_direct"`
	QueuedAtEntry      int64            `json:"queued_at_entry"`
	Requeued           int64            `json:"requeued"`
	Completed          int64            `json:"completed"`
	Failed             int64            `json:"failed"`
	Cancelled          int64            `json:"cancelled"`
	Expired            int64            `json:"expired"`
	RejectedValidation int64            `json:"rejected_validation"`
	RejectedQuota      int64            `json:"rejected_quota"`
	RejectedCapacity   int64            `json:"rejected_capacity"`
	ByType             map[string]int64 `json:"by_type"`
	AvgResponseMS      float64          `json:"avg_response_time_ms"`
}

// Stats returns a snapshot of the dispatcher's counters.
func (r *Router) Stats() RouterStats {
	s := &r.stats
	s.mu.Lock()
	defer s.mu.Unlock()
	out := RouterStats{
		Submitted:          s.submitted,
		RoutedDirect:       s.routedDirect,
		QueuedAtEntry:      s.queuedAtEntry,
		Requeued:           s.requeued,
		Completed:          s.completed,
		Failed:             s.failed,
		Cancelled:          s.cancelled,
		Expired:            s.expired,
		RejectedValidation: s.rejectedValidation,
		RejectedQuota:      s.rejectedQuota,
		RejectedCapacity:   s.rejectedCapacity,
		ByType:             make(map[string]int64, len(s.byType)),
	}
	for t, n := range s.byType {
		out.ByType[string(t)] = n
	}
	if s.responseCount > 0 {
		out.AvgResponseMS = float64(s.responseTotal.Milliseconds()) / float64(s.responseCount)
	}
	return out
}

// GPUMetrics is the per-device slice of a metrics report.
type GPUMetrics struct {
	MemoryUtilization  float64 `json:"memory_utilization"`  // 0..1
	ComputeUtilization float64 `json:"compute_utilization"` // 0..100
	Temperature        float64 `json:"temperature"`
	ActiveRequests     int     `json:"active_requests"`
	QueuedRequests     int     `json:"queued_requests"`
	Status             string  `json:"status"`
}

// MetricsReport is the aggregator's full view of the routing layer.
type MetricsReport struct {
	GeneratedAt time.Time `json:"generated_at"`

	Router RouterStats `json:"router"`

	ActiveRequests int `json:"active_requests"` // routed + running
	QueuedRequests int `json:"queued_requests"`

	GPUs  map[string]GPUMetrics `json:"gpus"`
	Quota QuotaStats            `json:"quota"`
}

// Aggregator composes router, quota, and GPU state into reports. Strictly
// read-only: it observes the live structures, it never mutates them.
type Aggregator struct {
	router *Router
	quotas *QuotaManager
	gpus   *GPURegistry
}

// NewAggregator builds an aggregator over the given components.
func NewAggregator(r *Router, q *QuotaManager, g *GPURegistry) *Aggregator {
	return &Aggregator{router: r, quotas: q, gpus: g}
}

// Report assembles a point-in-time metrics report.
func (a *Aggregator) Report() MetricsReport {
	byStatus := a.router.countByStatus()
	report := MetricsReport{
		GeneratedAt:    time.Now(),
		Router:         a.router.Stats(),
		ActiveRequests: byStatus[StatusRouted] + byStatus[StatusRunning],
		QueuedRequests: byStatus[StatusQueued],
		GPUs:           make(map[string]GPUMetrics),
		Quota:          a.quotas.Stats(),
	}
	for _, g := range a.gpus.Snapshot() {
		m := GPUMetrics{
			ComputeUtilization: g.Utilization,
			Temperature:        g.Temperature,
			ActiveRequests:     len(g.ActiveRequests),
			QueuedRequests:     g.QueuedRequests,
			Status:             string(g.Status),
		}
		if g.MemoryTotalMB > 0 {
			m.MemoryUtilization = float64(g.MemoryUsedMB) / float64(g.MemoryTotalMB)
		}
		report.GPUs[g.ID] = m
	}
	return report
}

// PromCollector exposes aggregator reports to Prometheus. Implemented as a
// custom collector over const metrics so scrapes always see a coherent
// snapshot instead of independently updated vectors.
type PromCollector struct {
	agg *Aggregator

	requestsTotal  *prometheus.Desc
	activeRequests *prometheus.Desc
	queuedRequests *prometheus.Desc
	terminalTotal  *prometheus.Desc
	rejectedTotal  *prometheus.Desc
	avgResponse    *prometheus.Desc
	gpuMemoryUtil  *prometheus.Desc
	gpuComputeUtil *prometheus.Desc
	gpuTemperature *prometheus.Desc
	gpuActive      *prometheus.Desc
	gpuQueued      *prometheus.Desc
	quotaChecks    *prometheus.Desc
	quotaDenials   *prometheus.Desc
}

// NewPromCollector builds the collector. Register it on a prometheus
// registry to expose the metrics.
func NewPromCollector(agg *Aggregator) *PromCollector {
	return &PromCollector{
		agg: agg,
		requestsTotal: prometheus.NewDesc("gpurouter_requests_submitted_total",
			"Requests admitted by the router", nil, nil),
		activeRequests: prometheus.NewDesc("gpurouter_requests_active",
			"Requests currently routed or running", nil, nil),
		queuedRequests: prometheus.NewDesc("gpurouter_requests_queued",
			"Requests waiting for GPU capacity", nil, nil),
		terminalTotal: prometheus.NewDesc("gpurouter_requests_terminal_total",
			"Requests by terminal status", []string{"status"}, nil),
		rejectedTotal: prometheus.NewDesc("gpurouter_requests_rejected_total",
			"Submissions rejected before admission", []string{"reason"}, nil),
		avgResponse: prometheus.NewDesc("gpurouter_response_time_avg_seconds",
			"Average completed-request response time", nil, nil),
		gpuMemoryUtil: prometheus.NewDesc("gpurouter_gpu_memory_utilization",
			"Fraction of GPU memory in use or reserved", []string{"gpu_id"}, nil),
		gpuComputeUtil: prometheus.NewDesc("gpurouter_gpu_compute_utilization",
			"GPU compute utilization percentage", []string{"gpu_id"}, nil),
		gpuTemperature: prometheus.NewDesc("gpurouter_gpu_temperature_celsius",
			"GPU temperature", []string{"gpu_id"}, nil),
		gpuActive: prometheus.NewDesc("gpurouter_gpu_active_requests",
			"Requests active on the GPU", []string{"gpu_id"}, nil),
		gpuQueued: prometheus.NewDesc("gpurouter_gpu_queued_requests",
			"Requests pinned-queued for the GPU", []string{"gpu_id"}, nil),
		quotaChecks: prometheus.NewDesc("gpurouter_quota_checks_total",
			"Quota admission checks performed", nil, nil),
		quotaDenials: prometheus.NewDesc("gpurouter_quota_denials_total",
			"Quota denials by limit", []string{"limit"}, nil),
	}
}

func (c *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.activeRequests
	ch <- c.queuedRequests
	ch <- c.terminalTotal
	ch <- c.rejectedTotal
	ch <- c.avgResponse
	ch <- c.gpuMemoryUtil
	ch <- c.gpuComputeUtil
	ch <- c.gpuTemperature
	ch <- c.gpuActive
	ch <- c.gpuQueued
	ch <- c.quotaChecks
	ch <- c.quotaDenials
}

func (c *PromCollector) Collect(ch chan<- prometheus.Metric) {
	rep := c.agg.Report()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(rep.Router.Submitted))
	ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, float64(rep.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(c.queuedRequests, prometheus.GaugeValue, float64(rep.QueuedRequests))

	ch <- prometheus.MustNewConstMetric(c.terminalTotal, prometheus.CounterValue, float64(rep.Router.Completed), string(StatusCompleted))
	ch <- prometheus.MustNewConstMetric(c.terminalTotal, prometheus.CounterValue, float64(rep.Router.Failed), string(StatusFailed))
	ch <- prometheus.MustNewConstMetric(c.terminalTotal, prometheus.CounterValue, float64(rep.Router.Cancelled), string(StatusCancelled))
	ch <- prometheus.MustNewConstMetric(c.terminalTotal, prometheus.CounterValue, float64(rep.Router.Expired), string(StatusExpired))

	ch <- prometheus.MustNewConstMetric(c.rejectedTotal, prometheus.CounterValue, float64(rep.Router.RejectedValidation), KindValidation.String())
	ch <- prometheus.MustNewConstMetric(c.rejectedTotal, prometheus.CounterValue, float64(rep.Router.RejectedQuota), KindQuotaExceeded.String())
	ch <- prometheus.MustNewConstMetric(c.rejectedTotal, prometheus.CounterValue, float64(rep.Router.RejectedCapacity), KindCapacityUnavailable.String())

	ch <- prometheus.MustNewConstMetric(c.avgResponse, prometheus.GaugeValue, rep.Router.AvgResponseMS/1000.0)

	for id, g := range rep.GPUs {
		ch <- prometheus.MustNewConstMetric(c.gpuMemoryUtil, prometheus.GaugeValue, g.MemoryUtilization, id)
		ch <- prometheus.MustNewConstMetric(c.gpuComputeUtil, prometheus.GaugeValue, g.ComputeUtilization, id)
		ch <- prometheus.MustNewConstMetric(c.gpuTemperature, prometheus.GaugeValue, g.Temperature, id)
		ch <- prometheus.MustNewConstMetric(c.gpuActive, prometheus.GaugeValue, float64(g.ActiveRequests), id)
		ch <- prometheus.MustNewConstMetric(c.gpuQueued, prometheus.GaugeValue, float64(g.QueuedRequests), id)
	}

	ch <- prometheus.MustNewConstMetric(c.quotaChecks, prometheus.CounterValue, float64(rep.Quota.Checks))
	for limit, n := range rep.Quota.DenialsByName {
		ch <- prometheus.MustNewConstMetric(c.quotaDenials, prometheus.CounterValue, float64(n), limit)
	}
}
