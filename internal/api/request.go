package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Request is a single logical call against the portal backend.
type Request struct {
	ID       string      // Stable identity across retries; assigned by the retrier when empty
	Method   string      // HTTP method, e.g. "POST"
	Endpoint string      // Path relative to the API base URL, e.g. "/campaigns/42"
	Header   http.Header // Extra headers; may be nil
	Body     []byte      // Raw request body; may be nil
}

// IsMutating returns true for methods that change server state.
// Only mutating requests are eligible for offline queueing.
func (r *Request) IsMutating() bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Clone returns a copy of the request safe to hand to another goroutine.
func (r *Request) Clone() *Request {
	c := *r
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is the transport-agnostic result of a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK returns true for 2xx statuses.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the response body into v. If the body is an Envelope
// with a data field, only the data is decoded.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if env, ok := ParseEnvelope(r.Body); ok && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
