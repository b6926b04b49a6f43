package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass categorizes provider errors for failover decision-making.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects the error message for known provider patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FailureKind names the way a reasoning call failed. Every kind maps to
// the calling analyzer's deterministic fallback.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureStatus      FailureKind = "status"
	FailureMalformed   FailureKind = "malformed"
	FailureDisabled    FailureKind = "disabled"
	// FailureRejected marks prompts refused before any call was made.
	FailureRejected FailureKind = "rejected"
)

// Failure is the error half of a tagged Reply.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrDisabled is returned by services that have no provider configured.
var ErrDisabled = errors.New("reasoning: no provider configured")

// StatusError reports a non-success response from a provider.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reasoning: provider returned status %d: %s", e.Code, e.Message)
}

// classifyFailure maps a transport-level error onto a FailureKind.
func classifyFailure(err error) FailureKind {
	var status *StatusError
	var failure *Failure
	switch {
	case errors.As(err, &failure):
		return failure.Kind
	case errors.Is(err, ErrDisabled):
		return FailureDisabled
	case errors.Is(err, errResponseTooLarge):
		return FailureMalformed
	case errors.As(err, &status):
		return FailureStatus
	}
	switch ClassifyError(err) {
	case ErrorClassTimeout:
		return FailureTimeout
	case ErrorClassAuth, ErrorClassRateLimit, ErrorClassBilling, ErrorClassContextOverflow:
		return FailureStatus
	}
	return FailureUnavailable
}
