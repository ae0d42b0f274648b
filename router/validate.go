package router

import "fmt"

// Validation bounds for the priority field.
const (
	MinPriority = 1
	MaxPriority = 5
)

// validRequestTypes is the closed set of accepted request types.
var validRequestTypes = map[RequestType]bool{
	TypeInference:  true,
	TypeTraining:   true,
	TypeFineTuning: true,
}

// ValidateSubmission checks a raw submission against the request model's
// constraints. Pure and side-effect free: it never mutates the submission or
// any shared state. Returns (false, reason) on the first violation; there is
// no partial acceptance.
func ValidateSubmission(sub *Submission) (bool, string) {
	if sub == nil {
		return false, "missing request body"
	}
	if sub.UserID == "" {
		return false, "missing required field: user_id"
	}
	if sub.ModelID == "" {
		return false, "missing required field: model_id"
	}
	if p := sub.priorityOrDefault(); p < MinPriority || p > MaxPriority {
		return false, fmt.Sprintf("priority must be an integer between %d and %d, got %d", MinPriority, MaxPriority, p)
	}
	if t := sub.typeOrDefault(); !validRequestTypes[t] {
		return false, fmt.Sprintf("invalid request type %q (valid: %s, %s, %s)", t, TypeInference, TypeTraining, TypeFineTuning)
	}
	if sub.Resources.MemoryMB < 0 {
		return false, "resource_requirements.memory must be a non-negative integer"
	}
	if sub.TimeoutMS < 0 {
		return false, "timeout must be a non-negative integer"
	}
	return true, ""
}

// validationField maps a validation failure reason back to the offending
// field name for structured error context. Reasons are produced by
// ValidateSubmission above; unknown reasons fall through to "request".
func validationField(sub *Submission) string {
	switch {
	case sub == nil:
		return "request"
	case sub.UserID == "":
		return "user_id"
	case sub.ModelID == "":
		return "model_id"
	case sub.priorityOrDefault() < MinPriority || sub.priorityOrDefault() > MaxPriority:
		return "priority"
	case !validRequestTypes[sub.typeOrDefault()]:
		return "type"
	case sub.Resources.MemoryMB < 0:
		return "resource_requirements.memory"
	case sub.TimeoutMS < 0:
		return "timeout"
	default:
		return "request"
	}
}
