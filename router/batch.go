// Batch submission: a group of requests admitted atomically under one user's
// quota. Validation and quota failures reject the whole batch before any
// member request exists; after admission the members execute and terminate
// independently.

package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// BatchAffinity controls member placement.
type BatchAffinity string

const (
	// AffinitySplit places each member independently via the selection
	// strategy.
	AffinitySplit BatchAffinity = "split"
	// AffinityPinned places every member on the device chosen for the
	// first member; members that do not fit there queue for that device.
	AffinityPinned BatchAffinity = "pinned"
)

// BatchSubmission is the caller-supplied form of a batch.
type BatchSubmission struct {
	BatchID     string        `json:"batch_id,omitempty"`
	UserID      string        `json:"user_id"`
	Requests    []*Submission `json:"requests"`
	Affinity    BatchAffinity `json:"affinity,omitempty"`
	CallbackURL string        `json:"callback_url,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`

	// TimeoutMS bounds the whole batch and is inherited by members that
	// carry no timeout of their own. Zero falls back to the router's
	// default timeout.
	TimeoutMS int64 `json:"timeout,omitempty"`
}

// Batch records an admitted batch and its member request ids.
type Batch struct {
	ID          string        `json:"batch_id"`
	UserID      string        `json:"user_id"`
	RequestIDs  []string      `json:"request_ids"`
	Affinity    BatchAffinity `json:"affinity"`
	TimeoutMS   int64         `json:"timeout"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// BatchResult is the outcome of a batch submission or status query.
type BatchResult struct {
	BatchID     string            `json:"batch_id"`
	Status      string            `json:"status"`
	RequestIDs  []string          `json:"request_ids"`
	Assignments map[string]string `json:"assignments"` // request id -> gpu id, "" while queued
	Requests    []*Request        `json:"requests,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`

	EstimatedStartTime      *time.Time `json:"estimated_start_time"`
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time"`
}

// SubmitBatch admits a batch atomically: every member must pass validation
// and the whole batch must fit the user's quota, or no request is created at
// all. Admitted members then route or queue individually.
func (r *Router) SubmitBatch(b *BatchSubmission) (*BatchResult, error) {
	if len(b.Requests) == 0 {
		return nil, newValidationError("requests", "batch contains no requests")
	}
	affinity := b.Affinity
	if affinity == "" {
		affinity = AffinitySplit
	}
	if affinity != AffinitySplit && affinity != AffinityPinned {
		return nil, newValidationError("affinity", fmt.Sprintf("unknown affinity %q", b.Affinity))
	}

	timeoutMS := b.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = r.cfg.DefaultTimeoutMS
	}

	// Members inherit the batch's user, callback, strategy, and timeout.
	// Device pinning is the affinity's job, not individual members'.
	for _, sub := range b.Requests {
		sub.UserID = b.UserID
		sub.GPUID = ""
		if b.CallbackURL != "" {
			sub.CallbackURL = b.CallbackURL
		}
		if sub.Strategy == "" {
			sub.Strategy = b.Strategy
		}
		if sub.TimeoutMS == 0 && b.TimeoutMS > 0 {
			sub.TimeoutMS = b.TimeoutMS
		}
	}

	var verr *multierror.Error
	for i, sub := range b.Requests {
		if ok, reason := ValidateSubmission(sub); !ok {
			verr = multierror.Append(verr, fmt.Errorf("request %d: %s", i, reason))
		}
	}
	if verr != nil {
		r.stats.rejected(KindValidation)
		return nil, &Error{Kind: KindValidation, Field: "requests", Reason: verr.Error()}
	}

	led := r.quotas.ledger(b.UserID)
	led.mu.Lock()
	defer led.mu.Unlock()

	now := r.clock()
	if limit, reason := r.denyBatchLocked(led, b.Requests, now); limit != "" {
		r.quotas.recordCheck(limit)
		r.stats.rejected(KindQuotaExceeded)
		logrus.Warnf("batch from user %s denied: %s (%s)", b.UserID, reason, limit)
		return nil, newQuotaError(limit, reason)
	}
	r.quotas.recordCheck("")

	batch := &Batch{
		ID:          b.BatchID,
		UserID:      b.UserID,
		Affinity:    affinity,
		TimeoutMS:   timeoutMS,
		SubmittedAt: now,
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	result := &BatchResult{
		BatchID:     batch.ID,
		Assignments: make(map[string]string, len(b.Requests)),
		SubmittedAt: now,
	}
	result.EstimatedStartTime, result.EstimatedCompletionTime = batch.estimatedTimes()

	var pinnedGPU string
	for _, sub := range b.Requests {
		member, err := r.admitLocked(led, sub, pinnedGPU, now)
		if err != nil {
			// Unreachable with GPUID cleared above: admitLocked only
			// errors on caller-pinned devices.
			return nil, err
		}
		batch.RequestIDs = append(batch.RequestIDs, member.RequestID)
		result.RequestIDs = append(result.RequestIDs, member.RequestID)
		result.Assignments[member.RequestID] = member.GPUID
		if affinity == AffinityPinned && pinnedGPU == "" && member.GPUID != "" {
			pinnedGPU = member.GPUID
		}
	}

	r.batchMu.Lock()
	r.batches[batch.ID] = batch
	r.batchMu.Unlock()

	result.Status = r.deriveBatchStatus(batch)
	logrus.Infof("batch %s admitted: %d requests for user %s (%s affinity)", batch.ID, len(batch.RequestIDs), b.UserID, affinity)
	return result, nil
}

// estimatedTimes projects the batch's execution window: start at submission,
// completion at submission plus the batch timeout.
func (b *Batch) estimatedTimes() (start, completion *time.Time) {
	s := b.SubmittedAt
	c := b.SubmittedAt.Add(time.Duration(b.TimeoutMS) * time.Millisecond)
	return &s, &c
}

// denyBatchLocked checks the whole batch against the user's limits. The
// window limit counts all members; concurrency is checked for one binding
// (members beyond the concurrency limit queue rather than reject); priority
// and memory ceilings apply per member. Called with the ledger lock held.
func (r *Router) denyBatchLocked(led *userLedger, subs []*Submission, now time.Time) (limit, reason string) {
	if limit, reason = led.denyN(len(subs), 0, 0, now); limit != "" {
		return limit, reason
	}
	lim := led.q.Limits
	for i, sub := range subs {
		if lim.MaxPriority > 0 && sub.priorityOrDefault() > lim.MaxPriority {
			return LimitPriority, fmt.Sprintf("request %d priority above user's ceiling", i)
		}
		if lim.MaxMemoryInFlightMB > 0 && led.q.MemoryInFlightMB+sub.Resources.MemoryMB > lim.MaxMemoryInFlightMB {
			return LimitMemoryInFlight, fmt.Sprintf("request %d exceeds in-flight memory limit", i)
		}
	}
	return "", ""
}

// BatchStatus returns the batch's members and its derived aggregate status.
func (r *Router) BatchStatus(batchID string) (*BatchResult, error) {
	r.batchMu.RLock()
	batch, ok := r.batches[batchID]
	r.batchMu.RUnlock()
	if !ok {
		return nil, newNotFoundError("batch", batchID)
	}

	result := &BatchResult{
		BatchID:     batch.ID,
		RequestIDs:  append([]string(nil), batch.RequestIDs...),
		Assignments: make(map[string]string, len(batch.RequestIDs)),
		SubmittedAt: batch.SubmittedAt,
	}
	result.EstimatedStartTime, result.EstimatedCompletionTime = batch.estimatedTimes()
	for _, id := range batch.RequestIDs {
		req, err := r.Status(id)
		if err != nil {
			continue // pruned by retention
		}
		result.Requests = append(result.Requests, req)
		result.Assignments[id] = req.GPUID
	}
	result.Status = r.deriveBatchStatus(batch)
	return result, nil
}

// deriveBatchStatus aggregates member statuses. Completed only when every
// member completed; any live member keeps the batch live; otherwise the
// worst terminal outcome wins.
func (r *Router) deriveBatchStatus(batch *Batch) string {
	var pending, queued, active, completed, failed, cancelled, expired, total int
	for _, id := range batch.RequestIDs {
		tr := r.lookup(id)
		if tr == nil {
			continue
		}
		total++
		tr.mu.Lock()
		st := tr.req.Status
		tr.mu.Unlock()
		switch st {
		case StatusPending:
			pending++
		case StatusQueued:
			queued++
		case StatusRouted, StatusRunning:
			active++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		case StatusExpired:
			expired++
		}
	}
	switch {
	case total == 0:
		return "unknown"
	case active > 0:
		return "running"
	case pending > 0 || queued > 0:
		return "queued"
	case completed == total:
		return "completed"
	case failed > 0:
		return "failed"
	case cancelled > 0:
		return "cancelled"
	default:
		return "expired"
	}
}
