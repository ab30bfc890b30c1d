// Package apperrors defines the error taxonomy of the gateway and the
// OpenAI-style wire rendering for all of them.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is an error the gateway surfaces to clients in the OpenAI
// error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

// NewValidationError reports a malformed or unacceptable client request.
func NewValidationError(message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Message: message,
	}
}

// NewAuthError reports a missing or invalid credential.
func NewAuthError(message string) *APIError {
	return &APIError{
		Status:  http.StatusUnauthorized,
		Type:    "authentication_error",
		Code:    "invalid_api_key",
		Message: message,
	}
}

// NewPermissionError reports a credential that exists but may not do this.
func NewPermissionError(message string) *APIError {
	return &APIError{
		Status:  http.StatusForbidden,
		Type:    "permission_error",
		Message: message,
	}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Type:    "not_found_error",
		Message: message,
	}
}

// NewInternalError wraps an unexpected server-side failure.
func NewInternalError(message string) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    "internal_error",
		Message: message,
	}
}

// NewNoTokensError is the synthetic 429 returned when every candidate
// credential has been tried or is unavailable.
func NewNoTokensError() *APIError {
	return &APIError{
		Status:  http.StatusTooManyRequests,
		Type:    "rate_limit_error",
		Code:    "rate_limit_exceeded",
		Message: "No available tokens",
	}
}

// UpstreamError carries a non-2xx response from the upstream service.
type UpstreamError struct {
	Status int
	Body   string
	Code   string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// RateLimited reports whether the upstream refused for quota reasons,
// either via HTTP 429 or an embedded rate_limit_exceeded code.
func (e *UpstreamError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == "rate_limit_exceeded"
}

// upstreamErrBody mirrors the error envelope the upstream emits. The
// remaining-credit fields show up either at the top of details or nested
// one level down, depending on the endpoint.
type upstreamErrBody struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

type remainingDetails struct {
	RemainingTokens  *int64 `json:"remainingTokens"`
	RemainingQueries *int64 `json:"remainingQueries"`
}

// HasQuota reports whether the rate-limited response still shows remaining
// credit, i.e. the refusal is a burst limit rather than exhaustion.
// Unlimited (-1) counts as having quota.
func (e *UpstreamError) HasQuota() bool {
	for _, r := range e.remaining() {
		if r > 0 || r == -1 {
			return true
		}
	}
	return false
}

func (e *UpstreamError) remaining() []int64 {
	var out []int64
	var body upstreamErrBody
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
		// Some refusals come back as a bare details object.
		var det remainingDetails
		if json.Unmarshal([]byte(e.Body), &det) == nil {
			out = appendRemaining(out, det)
		}
		return out
	}
	if body.Error.Details != nil {
		var det remainingDetails
		if json.Unmarshal(body.Error.Details, &det) == nil {
			out = appendRemaining(out, det)
		}
		var list []remainingDetails
		if json.Unmarshal(body.Error.Details, &list) == nil {
			for _, det := range list {
				out = appendRemaining(out, det)
			}
		}
	}
	return out
}

func appendRemaining(out []int64, det remainingDetails) []int64 {
	if det.RemainingTokens != nil {
		out = append(out, *det.RemainingTokens)
	}
	if det.RemainingQueries != nil {
		out = append(out, *det.RemainingQueries)
	}
	return out
}

// ParseUpstreamCode extracts the error code from an upstream body, if any.
func ParseUpstreamCode(body string) string {
	var b upstreamErrBody
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return ""
	}
	return b.Error.Code
}

// StreamTimeoutError reports which of the three stream deadlines fired.
type StreamTimeoutError struct {
	Stage   string // "first", "idle" or "total"
	Seconds int
}

func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("stream %s timeout after %ds", e.Stage, e.Seconds)
}

// Code returns the wire error code for the timeout stage.
func (e *StreamTimeoutError) Code() string {
	return "stream_" + e.Stage + "_timeout"
}

// CircuitOpenError is returned while the upstream breaker is open.
type CircuitOpenError struct {
	RetryAfter int
}

func (e *CircuitOpenError) Error() string {
	return "upstream circuit breaker is open"
}

// errorEnvelope is the OpenAI-compatible error body.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ToAPIError maps any error onto the APIError that should be rendered.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.RateLimited() {
			return &APIError{
				Status:  http.StatusTooManyRequests,
				Type:    "rate_limit_error",
				Code:    "rate_limit_exceeded",
				Message: "Upstream rate limit exceeded",
			}
		}
		switch upErr.Status {
		case http.StatusUnauthorized:
			return &APIError{
				Status:  http.StatusUnauthorized,
				Type:    "authentication_error",
				Code:    "upstream_unauthorized",
				Message: "Upstream rejected the session token",
			}
		case http.StatusForbidden:
			return &APIError{
				Status:  http.StatusForbidden,
				Type:    "permission_error",
				Code:    "upstream_forbidden",
				Message: "Upstream blocked the request",
			}
		}
		return &APIError{
			Status:  http.StatusBadGateway,
			Type:    "upstream_error",
			Code:    upErr.Code,
			Message: fmt.Sprintf("Upstream returned status %d", upErr.Status),
		}
	}

	var toErr *StreamTimeoutError
	if errors.As(err, &toErr) {
		return &APIError{
			Status:  http.StatusGatewayTimeout,
			Type:    "upstream_error",
			Code:    toErr.Code(),
			Message: toErr.Error(),
		}
	}

	var cbErr *CircuitOpenError
	if errors.As(err, &cbErr) {
		return &APIError{
			Status:  http.StatusServiceUnavailable,
			Type:    "upstream_error",
			Code:    "circuit_breaker_open",
			Message: "Upstream temporarily unavailable",
		}
	}

	return NewInternalError("Internal server error")
}

// Envelope builds the JSON-serializable OpenAI error body for err.
func Envelope(err error) (int, any) {
	apiErr := ToAPIError(err)
	return apiErr.Status, errorEnvelope{Error: errorDetail{
		Message: apiErr.Message,
		Type:    apiErr.Type,
		Code:    apiErr.Code,
	}}
}
