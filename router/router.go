// The Router orchestrates admission (validation + quota), GPU assignment
// (selection strategy over the registry), queueing, cancellation, and status
// queries. All request-state transitions funnel through here; the execution
// backend reports progress and completion back via the StatusReporter
// methods.
//
// Lock discipline (deadlock avoidance): a user's quota ledger lock is always
// acquired before any request or device lock. Device locks are only ever
// held inside GPURegistry methods. Resource release (GPU reservation + quota
// usage) happens after the request lock is dropped, guarded by a per-request
// terminal latch so it runs at most once.

package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RoutingResult is the outcome of a submission.
type RoutingResult struct {
	RequestID               string        `json:"request_id"`
	GPUID                   string        `json:"gpu_id,omitempty"`
	Status                  RequestStatus `json:"status"`
	QueuePosition           int           `json:"queue_position,omitempty"`
	EstimatedStartTime      *time.Time    `json:"estimated_start_time,omitempty"`
	EstimatedCompletionTime *time.Time    `json:"estimated_completion_time,omitempty"`
}

// trackedRequest pairs a Request with its lock and terminal latch.
type trackedRequest struct {
	mu  sync.Mutex
	req *Request

	// released flips when the first terminal transition claims resource
	// release; later transitions (or duplicate cancels) find it set and
	// release nothing.
	released bool

	// strategy the request was submitted with, for requeue attempts.
	strategy string

	// cancelExec aborts the execution backend's work for this request.
	cancelExec context.CancelFunc
}

// Router is the dispatcher.
type Router struct {
	cfg        RouterConfig
	quotas     *QuotaManager
	gpus       *GPURegistry
	strategies *StrategySelector
	backend    ExecutionBackend
	callbacks  *CallbackSender

	mu       sync.RWMutex
	requests map[string]*trackedRequest

	batchMu sync.RWMutex
	batches map[string]*Batch

	queue *pendingQueue
	stats routerStats

	clock func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRouter wires a dispatcher over the given quota manager, GPU registry,
// and strategy selector.
func NewRouter(cfg RouterConfig, quotas *QuotaManager, gpus *GPURegistry, strategies *StrategySelector) *Router {
	if cfg.ReceiverID == "" {
		cfg.ReceiverID = "default"
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = 30000
	}
	if cfg.RequeueInterval <= 0 {
		cfg.RequeueInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Router{
		cfg:        cfg,
		quotas:     quotas,
		gpus:       gpus,
		strategies: strategies,
		requests:   make(map[string]*trackedRequest),
		batches:    make(map[string]*Batch),
		queue:      newPendingQueue(),
		clock:      time.Now,
		stopCh:     make(chan struct{}),
	}
}

// AttachBackend sets the execution backend. Must be called before Start.
func (r *Router) AttachBackend(b ExecutionBackend) { r.backend = b }

// AttachCallbacks sets the terminal-state callback sender.
func (r *Router) AttachCallbacks(c *CallbackSender) { r.callbacks = c }

// Start launches the background requeue and sweep loops.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(2)
		go r.requeueLoop()
		go r.sweepLoop()
		logrus.Infof("router started (receiver %s, default strategy %s)", r.cfg.ReceiverID, r.strategies.Default().Name())
	})
}

// Stop terminates the background loops and waits for them.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Submit runs the full admission pipeline for a single request:
// validate, atomically check-and-reserve quota, create the request, and
// either assign a GPU or queue it. On validation or quota failure no
// request state is created.
func (r *Router) Submit(sub *Submission) (*RoutingResult, error) {
	if ok, reason := ValidateSubmission(sub); !ok {
		r.stats.rejected(KindValidation)
		return nil, newValidationError(validationField(sub), reason)
	}

	led := r.quotas.ledger(sub.UserID)
	led.mu.Lock()
	defer led.mu.Unlock()

	now := r.clock()
	limit, reason := led.deny(sub.priorityOrDefault(), sub.Resources.MemoryMB, now)
	r.quotas.recordCheck(limit)
	if limit != "" {
		r.stats.rejected(KindQuotaExceeded)
		logrus.Warnf("request from user %s denied: %s (%s)", sub.UserID, reason, limit)
		return nil, newQuotaError(limit, reason)
	}

	return r.admitLocked(led, sub, "", now)
}

// admitLocked creates and places a request. Called with the user's ledger
// lock held, after quota checks passed. pinnedGPU forces placement onto one
// device for batch pinned affinity; sub.GPUID is a caller-requested device
// whose unavailability rejects the submission outright.
func (r *Router) admitLocked(led *userLedger, sub *Submission, pinnedGPU string, now time.Time) (*RoutingResult, error) {
	req := newRequest(sub, now, r.cfg.ReceiverID, r.cfg.DefaultTimeoutMS)
	memMB := req.RequiredMemoryMB()

	var gpuID string
	if led.canBindGPU(memMB) {
		switch {
		case sub.GPUID != "":
			if err := r.gpus.Reserve(sub.GPUID, req.ID, memMB); err != nil {
				r.stats.rejected(KindCapacityUnavailable)
				return nil, err
			}
			gpuID = sub.GPUID
		case pinnedGPU != "":
			// Pinned batch member: only its batch's device is tried;
			// on exhaustion it queues for that same device.
			if err := r.gpus.Reserve(pinnedGPU, req.ID, memMB); err == nil {
				gpuID = pinnedGPU
			}
		default:
			gpuID = r.selectAndReserve(req, sub.Strategy)
		}
	}

	tr := &trackedRequest{req: req, strategy: sub.Strategy}
	var result *RoutingResult
	if gpuID != "" {
		req.Status = StatusRouted
		req.GPUID = gpuID
		start := now
		req.StartTime = &start
		eta := now.Add(req.ExpectedDuration())
		led.bindGPU(memMB, now)
		result = &RoutingResult{
			RequestID:               req.ID,
			GPUID:                   gpuID,
			Status:                  StatusRouted,
			EstimatedStartTime:      &start,
			EstimatedCompletionTime: &eta,
		}
	}
	if gpuID == "" {
		// Queue state is set before the request becomes visible in the
		// store, so a concurrent cancel cannot interleave.
		pos := r.queue.enqueue(req.ID, pinnedGPU)
		req.Status = StatusQueued
		req.QueuePosition = pos
		result = &RoutingResult{RequestID: req.ID, Status: StatusQueued, QueuePosition: pos}
	}
	led.commitAdmitted(now)

	r.mu.Lock()
	r.requests[req.ID] = tr
	r.mu.Unlock()

	if gpuID == "" {
		if pinnedGPU != "" {
			r.gpus.AddQueued(pinnedGPU, 1)
		}
		logrus.Infof("request %s queued at position %d", req.ID, req.QueuePosition)
	} else {
		logrus.Infof("request %s routed to gpu %s", req.ID, gpuID)
	}

	r.stats.admitted(req.Type, gpuID != "")
	if gpuID != "" {
		r.dispatch(tr)
	}
	return result, nil
}

// selectAndReserve asks the strategy for a device and reserves it,
// retrying over the remaining candidates when a reservation loses a race
// against a concurrent assignment.
func (r *Router) selectAndReserve(req *Request, strategyName string) string {
	strat := r.strategies.Get(strategyName)
	candidates := r.gpus.Candidates(req.RequiredMemoryMB())
	for len(candidates) > 0 {
		id, ok := strat.SelectGPU(candidates, req)
		if !ok {
			return ""
		}
		if err := r.gpus.Reserve(id, req.ID, req.RequiredMemoryMB()); err == nil {
			return id
		}
		// Snapshot went stale under us; drop the loser and re-select.
		kept := candidates[:0]
		for _, c := range candidates {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	return ""
}

// dispatch hands a routed request to the execution backend.
func (r *Router) dispatch(tr *trackedRequest) {
	if r.backend == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr.mu.Lock()
	if tr.req.Status != StatusRouted {
		tr.mu.Unlock()
		cancel()
		return
	}
	tr.cancelExec = cancel
	task := ExecutionTask{
		RequestID:        tr.req.ID,
		GPUID:            tr.req.GPUID,
		UserID:           tr.req.UserID,
		ModelID:          tr.req.ModelID,
		Type:             tr.req.Type,
		Payload:          tr.req.Payload,
		ExpectedDuration: tr.req.ExpectedDuration(),
	}
	tr.mu.Unlock()
	r.backend.Execute(ctx, task)
}

// lookup finds a tracked request by id.
func (r *Router) lookup(id string) *trackedRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requests[id]
}

// Status returns the current state of a request. Expiry is evaluated lazily
// here in addition to the periodic sweep; running requests get their
// progress recomputed from elapsed versus expected time.
func (r *Router) Status(id string) (*Request, error) {
	tr := r.lookup(id)
	if tr == nil {
		return nil, newNotFoundError("request", id)
	}
	now := r.clock()

	tr.mu.Lock()
	expired := !tr.req.Status.Terminal() && tr.req.IsExpired(now)
	tr.mu.Unlock()
	if expired {
		r.terminate(tr, StatusExpired, "request timed out", nil)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.req.Status == StatusRunning && tr.req.StartTime != nil {
		elapsed := now.Sub(*tr.req.StartTime)
		if expected := tr.req.ExpectedDuration(); expected > 0 {
			p := float64(elapsed) / float64(expected)
			if p > 0.99 {
				p = 0.99
			}
			if p > tr.req.Progress {
				tr.req.Progress = p
			}
		}
	}
	return tr.req.clone(), nil
}

// Cancel transitions a live request to cancelled, releasing its GPU
// reservation and quota usage. Cancelling an already-cancelled request is an
// idempotent no-op success; cancelling any other terminal request reports
// not-found (the request is no longer actionable).
func (r *Router) Cancel(id string) (*Request, error) {
	tr := r.lookup(id)
	if tr == nil {
		return nil, newNotFoundError("request", id)
	}

	if r.terminate(tr, StatusCancelled, "", nil) {
		logrus.Infof("request %s cancelled", id)
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.req.clone(), nil
	}

	tr.mu.Lock()
	st := tr.req.Status
	snap := tr.req.clone()
	tr.mu.Unlock()
	if st == StatusCancelled {
		return snap, nil
	}
	return nil, &Error{Kind: KindNotFound, Reason: fmt.Sprintf("request %q already %s", id, st)}
}

// terminate moves a request into a terminal state and performs the
// exactly-once resource release. Returns false when the request was already
// terminal (the earlier transition won; status is immutable from there).
func (r *Router) terminate(tr *trackedRequest, to RequestStatus, errMsg string, result map[string]any) bool {
	now := r.clock()

	tr.mu.Lock()
	req := tr.req
	if req.Status.Terminal() {
		tr.mu.Unlock()
		return false
	}
	prev := req.Status
	req.Status = to
	done := now
	req.CompletionTime = &done
	if errMsg != "" {
		req.Error = errMsg
	}
	if result != nil {
		req.Result = result
	}
	if to == StatusCompleted {
		req.Progress = 1.0
	}

	cancel := tr.cancelExec
	tr.cancelExec = nil

	wasQueued := prev == StatusQueued
	var releaseGPU string
	var releaseUser string
	var releaseMem int64
	if !tr.released {
		tr.released = true
		if prev == StatusRouted || prev == StatusRunning {
			releaseGPU = req.GPUID
			releaseUser = req.UserID
			releaseMem = req.RequiredMemoryMB()
		}
	} else {
		wasQueued = false
	}

	var duration time.Duration
	if to == StatusCompleted && req.StartTime != nil {
		duration = done.Sub(*req.StartTime)
	}
	callbackURL := req.CallbackURL
	var snap *Request
	if callbackURL != "" {
		snap = req.clone()
	}
	id := req.ID
	tr.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasQueued {
		if e, ok := r.queue.remove(id); ok && e.pinnedGPU != "" {
			r.gpus.AddQueued(e.pinnedGPU, -1)
		}
		r.renumberQueue()
	}
	if releaseGPU != "" {
		r.gpus.Release(releaseGPU, id)
		r.quotas.ReleaseUsage(releaseUser, releaseMem)
	}

	r.stats.terminal(to, duration)
	if callbackURL != "" && r.callbacks != nil {
		go func() {
			if err := r.callbacks.Deliver(callbackURL, snap); err != nil {
				logrus.Warnf("callback for request %s failed: %v", id, err)
			}
		}()
	}
	return true
}

// MarkRunning is the backend's signal that execution started.
func (r *Router) MarkRunning(id string) error {
	tr := r.lookup(id)
	if tr == nil {
		return newNotFoundError("request", id)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.req.Status == StatusRouted {
		tr.req.Status = StatusRunning
	}
	return nil
}

// UpdateProgress records backend-reported progress for a running request.
func (r *Router) UpdateProgress(id string, progress float64) error {
	tr := r.lookup(id)
	if tr == nil {
		return newNotFoundError("request", id)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.req.Status == StatusRunning || tr.req.Status == StatusRouted {
		tr.req.Progress = progress
	}
	return nil
}

// Complete records a successful execution result. A request already driven
// terminal by cancellation or expiry keeps that outcome; the late completion
// is dropped.
func (r *Router) Complete(id string, result map[string]any) error {
	tr := r.lookup(id)
	if tr == nil {
		return newNotFoundError("request", id)
	}
	if r.terminate(tr, StatusCompleted, "", result) {
		logrus.Infof("request %s completed", id)
	}
	return nil
}

// Fail records a backend execution failure.
func (r *Router) Fail(id string, reason string) error {
	tr := r.lookup(id)
	if tr == nil {
		return newNotFoundError("request", id)
	}
	if r.terminate(tr, StatusFailed, reason, nil) {
		logrus.Errorf("request %s failed: %s", id, reason)
	}
	return nil
}

// QueueLength returns the number of requests waiting for capacity.
func (r *Router) QueueLength() int { return r.queue.len() }

// requeueLoop periodically re-attempts placement for queued requests; a GPU
// releasing capacity wakes it early.
func (r *Router) requeueLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.gpus.ReleaseWake():
		}
		r.processQueue()
	}
}

// processQueue walks the pending queue in FIFO order and routes every
// request that now fits somewhere.
func (r *Router) processQueue() {
	now := r.clock()
	for _, e := range r.queue.snapshot() {
		tr := r.lookup(e.requestID)
		if tr == nil {
			continue
		}

		tr.mu.Lock()
		if tr.req.Status != StatusQueued {
			tr.mu.Unlock()
			continue
		}
		if tr.req.IsExpired(now) {
			tr.mu.Unlock()
			r.terminate(tr, StatusExpired, "request timed out while queued", nil)
			continue
		}
		userID := tr.req.UserID
		memMB := tr.req.RequiredMemoryMB()
		strategy := tr.strategy
		reqSnap := tr.req.clone()
		tr.mu.Unlock()

		led := r.quotas.ledger(userID)
		led.mu.Lock()
		if !led.canBindGPU(memMB) {
			led.mu.Unlock()
			continue
		}

		var gpuID string
		if e.pinnedGPU != "" {
			if err := r.gpus.Reserve(e.pinnedGPU, e.requestID, memMB); err == nil {
				gpuID = e.pinnedGPU
			}
		} else {
			gpuID = r.selectAndReserve(reqSnap, strategy)
		}
		if gpuID == "" {
			led.mu.Unlock()
			continue
		}

		// Re-check under the request lock: a concurrent cancel or expiry
		// may have won while we were reserving.
		tr.mu.Lock()
		if tr.req.Status != StatusQueued {
			tr.mu.Unlock()
			led.mu.Unlock()
			r.gpus.Release(gpuID, e.requestID)
			continue
		}
		bindTime := r.clock()
		tr.req.Status = StatusRouted
		tr.req.GPUID = gpuID
		start := bindTime
		tr.req.StartTime = &start
		tr.req.QueuePosition = 0
		led.bindGPU(memMB, bindTime)
		tr.mu.Unlock()
		led.mu.Unlock()

		if _, ok := r.queue.remove(e.requestID); ok && e.pinnedGPU != "" {
			r.gpus.AddQueued(e.pinnedGPU, -1)
		}
		r.renumberQueue()
		r.stats.requeuedAssigned()
		logrus.Infof("queued request %s routed to gpu %s", e.requestID, gpuID)
		r.dispatch(tr)
	}
}

// renumberQueue refreshes QueuePosition on all waiting requests after a
// removal.
func (r *Router) renumberQueue() {
	for i, e := range r.queue.snapshot() {
		tr := r.lookup(e.requestID)
		if tr == nil {
			continue
		}
		tr.mu.Lock()
		if tr.req.Status == StatusQueued {
			tr.req.QueuePosition = i + 1
		}
		tr.mu.Unlock()
	}
}

// sweepLoop forces expiry of overdue requests and prunes terminal requests
// past the retention period.
func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Router) sweep() {
	now := r.clock()

	r.mu.RLock()
	tracked := make([]*trackedRequest, 0, len(r.requests))
	for _, tr := range r.requests {
		tracked = append(tracked, tr)
	}
	r.mu.RUnlock()

	var prune []string
	for _, tr := range tracked {
		tr.mu.Lock()
		terminal := tr.req.Status.Terminal()
		expired := !terminal && tr.req.IsExpired(now)
		stale := terminal && tr.req.CompletionTime != nil && now.Sub(*tr.req.CompletionTime) > r.cfg.Retention
		id := tr.req.ID
		tr.mu.Unlock()

		if expired {
			if r.terminate(tr, StatusExpired, "request timed out", nil) {
				logrus.Warnf("request %s expired", id)
			}
		}
		if stale {
			prune = append(prune, id)
		}
	}

	if len(prune) > 0 {
		r.mu.Lock()
		for _, id := range prune {
			delete(r.requests, id)
		}
		r.mu.Unlock()
		logrus.Infof("pruned %d terminal requests", len(prune))
	}
}

// countByStatus tallies live requests for the metrics aggregator.
func (r *Router) countByStatus() map[RequestStatus]int {
	r.mu.RLock()
	tracked := make([]*trackedRequest, 0, len(r.requests))
	for _, tr := range r.requests {
		tracked = append(tracked, tr)
	}
	r.mu.RUnlock()

	out := make(map[RequestStatus]int)
	for _, tr := range tracked {
		tr.mu.Lock()
		out[tr.req.Status]++
		tr.mu.Unlock()
	}
	return out
}
