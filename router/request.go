// Defines the Request struct that models a single inference/training job
// through its routing lifecycle: admission, GPU assignment, queueing,
// execution, and terminal transition.

package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestStatus represents the lifecycle state of a request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusQueued    RequestStatus = "queued"
	StatusRouted    RequestStatus = "routed"
	StatusRunning   RequestStatus = "running"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transition may occur from this status.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// RequestType classifies the work a request carries.
type RequestType string

const (
	TypeInference  RequestType = "inference"
	TypeTraining   RequestType = "training"
	TypeFineTuning RequestType = "fine-tuning"
)

// ResourceRequirements describes what a request needs from its GPU.
// MemoryMB is the only field consulted for placement; the rest is carried
// through to the execution backend.
type ResourceRequirements struct {
	MemoryMB           int64 `json:"memory" yaml:"memory"`
	ComputeUnits       int   `json:"compute_units,omitempty" yaml:"compute_units"`
	MaxBatchSize       int   `json:"max_batch_size,omitempty" yaml:"max_batch_size"`
	ExpectedDurationMS int64 `json:"expected_duration,omitempty" yaml:"expected_duration"`
}

// Submission is the raw, caller-supplied form of a request, before
// validation and admission. A Request object is only built from a Submission
// once both have passed.
type Submission struct {
	RequestID   string               `json:"request_id,omitempty"`
	UserID      string               `json:"user_id"`
	ModelID     string               `json:"model_id"`
	Priority    int                  `json:"priority,omitempty"`
	Type        RequestType          `json:"type,omitempty"`
	Resources   ResourceRequirements `json:"resource_requirements"`
	TimeoutMS   int64                `json:"timeout,omitempty"`
	CallbackURL string               `json:"callback_url,omitempty"`
	Payload     map[string]any       `json:"payload,omitempty"`

	// Strategy optionally overrides the configured default selection
	// strategy. Unknown names silently fall back to the default.
	Strategy string `json:"strategy,omitempty"`

	// GPUID optionally pins the submission to a specific device. If that
	// device cannot take the request, the submission is rejected rather
	// than queued.
	GPUID string `json:"gpu_id,omitempty"`
}

// priorityOrDefault returns the submission's priority, defaulting the
// zero value (field absent) to DefaultPriority.
func (s *Submission) priorityOrDefault() int {
	if s.Priority == 0 {
		return DefaultPriority
	}
	return s.Priority
}

func (s *Submission) typeOrDefault() RequestType {
	if s.Type == "" {
		return TypeInference
	}
	return s.Type
}

func (s *Submission) timeoutOrDefault(def int64) int64 {
	if s.TimeoutMS == 0 {
		return def
	}
	return s.TimeoutMS
}

// Request models a single request's routing lifecycle.
// Mutations after creation go through the Router, which serializes them per
// request; the struct itself carries no locking.
type Request struct {
	ID          string               `json:"request_id"`
	UserID      string               `json:"user_id"`
	ModelID     string               `json:"model_id"`
	Priority    int                  `json:"priority"` // 1..5, informational (no scheduling tie-break defined)
	Type        RequestType          `json:"type"`
	Resources   ResourceRequirements `json:"resource_requirements"`
	TimeoutMS   int64                `json:"timeout"`
	CallbackURL string               `json:"callback_url,omitempty"`
	Payload     map[string]any       `json:"payload,omitempty"`

	Status RequestStatus `json:"status"`
	// GPUID is non-empty iff Status is routed/running/completed/failed.
	// Cancelled and expired requests may retain a stale GPUID for audit;
	// they are never counted as active on that device.
	GPUID string `json:"gpu_id,omitempty"`

	SubmissionTime time.Time  `json:"submission_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	QueuePosition int               `json:"queue_position,omitempty"`
	Progress      float64           `json:"progress"`
	Result        map[string]any    `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DefaultPriority is assigned when the caller omits the field.
const DefaultPriority = 3

// Metadata keys stamped on every accepted request.
const (
	metaReceivedAt = "received_at"
	metaReceiverID = "receiver_id"
)

// newRequest builds a pending Request from a validated submission.
// Generates an ID when the caller supplied none and stamps reception
// metadata.
func newRequest(sub *Submission, now time.Time, receiverID string, defaultTimeoutMS int64) *Request {
	id := sub.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	md := map[string]string{
		metaReceivedAt: now.Format(time.RFC3339Nano),
		metaReceiverID: receiverID,
	}
	return &Request{
		ID:             id,
		UserID:         sub.UserID,
		ModelID:        sub.ModelID,
		Priority:       sub.priorityOrDefault(),
		Type:           sub.typeOrDefault(),
		Resources:      sub.Resources,
		TimeoutMS:      sub.timeoutOrDefault(defaultTimeoutMS),
		CallbackURL:    sub.CallbackURL,
		Payload:        sub.Payload,
		Status:         StatusPending,
		SubmissionTime: now,
		Metadata:       md,
	}
}

// RequiredMemoryMB returns the request's GPU memory demand.
func (r *Request) RequiredMemoryMB() int64 {
	return r.Resources.MemoryMB
}

// ExpectedDuration returns the declared execution time, defaulting to one
// second when unset (matches backend simulation behavior).
func (r *Request) ExpectedDuration() time.Duration {
	if r.Resources.ExpectedDurationMS <= 0 {
		return time.Second
	}
	return time.Duration(r.Resources.ExpectedDurationMS) * time.Millisecond
}

// IsExpired reports whether the request has outlived its timeout.
// A zero timeout means the request never expires.
func (r *Request) IsExpired(now time.Time) bool {
	if r.TimeoutMS <= 0 {
		return false
	}
	return now.Sub(r.SubmissionTime) > time.Duration(r.TimeoutMS)*time.Millisecond
}

// clone returns a value copy safe to hand to callers. Maps are shallow-copied
// so callers cannot mutate router-owned state.
func (r *Request) clone() *Request {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.Result != nil {
		cp.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

func (r Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, User: %s, Status: %s, GPU: %q)", r.ID, r.UserID, r.Status, r.GPUID)
}
