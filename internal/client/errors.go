package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/deevus/portalkit/internal/api"
)

var (
	// ErrTimeout is returned when an attempt does not complete within the
	// configured per-request timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrRetriesExhausted is joined with the last error once every retry
	// has been spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// APIError represents a rejection from the portal backend, either as an HTTP
// status or as an application-level failure envelope.
type APIError struct {
	Status      int    // HTTP status, or the envelope's status for application errors (0 if absent)
	Code        string // Backend error code, e.g. "CAMPAIGN_LOCKED"
	Message     string
	Method      string
	Endpoint    string
	Application bool   // True if the failure came from a success=false envelope
	Suggestion  string // Actionable guidance
}

func (e *APIError) Error() string {
	var sb strings.Builder
	if e.Method != "" || e.Endpoint != "" {
		sb.WriteString(e.Method)
		sb.WriteString(" ")
		sb.WriteString(e.Endpoint)
		sb.WriteString(": ")
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, "%d ", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, "[%s] ", e.Code)
	}
	sb.WriteString(e.Message)
	if e.Suggestion != "" {
		sb.WriteString("\n\nSuggestion: ")
		sb.WriteString(e.Suggestion)
	}
	return sb.String()
}

// Retryable returns true for statuses worth retrying: 401 and 5xx.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusUnauthorized || (e.Status >= 500 && e.Status < 600)
}

// statusSuggestions maps HTTP statuses to helpful suggestions.
var statusSuggestions = map[int]string{
	http.StatusUnauthorized:        "The session may have expired. Sign in again.",
	http.StatusForbidden:           "The account lacks permission for this action. Check the assigned role.",
	http.StatusNotFound:            "Resource not found. It may have been deleted in another session.",
	http.StatusConflict:            "The resource was changed concurrently. Reload and try again.",
	http.StatusUnprocessableEntity: "Check the submitted fields. A value may be invalid or missing.",
	http.StatusTooManyRequests:     "Too many requests. Lower the request rate.",
	http.StatusBadGateway:          "The backend is unreachable. It may be restarting.",
	http.StatusServiceUnavailable:  "The backend is temporarily unavailable.",
	http.StatusGatewayTimeout:      "The backend took too long to respond.",
}

// ParseAPIError builds an APIError from a non-2xx response. The body is
// parsed as an Envelope when possible; otherwise the raw body becomes the
// message.
func ParseAPIError(req *api.Request, status int, body []byte) *APIError {
	err := &APIError{
		Status:   status,
		Message:  strings.TrimSpace(string(body)),
		Method:   req.Method,
		Endpoint: req.Endpoint,
	}

	if env, ok := api.ParseEnvelope(body); ok && env.Error != nil {
		err.Code = env.Error.Code
		err.Message = env.Error.Message
	}
	if err.Message == "" {
		err.Message = http.StatusText(status)
	}

	if suggestion, ok := statusSuggestions[status]; ok {
		err.Suggestion = suggestion
	}

	return err
}

// NewApplicationError builds an APIError from a success=false envelope.
func NewApplicationError(req *api.Request, env api.Envelope) *APIError {
	err := &APIError{
		Message:     "request rejected",
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Application: true,
	}
	if env.Error != nil {
		err.Status = env.Error.Status
		err.Code = env.Error.Code
		if env.Error.Message != "" {
			err.Message = env.Error.Message
		}
	}
	if suggestion, ok := statusSuggestions[err.Status]; ok {
		err.Suggestion = suggestion
	}
	return err
}

// TimeoutError wraps ErrTimeout with the request and the cause.
type TimeoutError struct {
	Method   string
	Endpoint string
	Timeout  time.Duration
	Cause    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: %v after %s", e.Method, e.Endpoint, ErrTimeout, e.Timeout)
}

// Unwrap returns both ErrTimeout and the underlying cause.
func (e *TimeoutError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Cause}
}

// connectivityPatterns contains error substrings that indicate the network
// itself is unavailable.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"server misbehaving",
}

// IsConnectivityError returns true if err was caused by the network being
// unavailable rather than by the backend rejecting the request. Such
// failures are eligible for offline queueing.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range connectivityPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
