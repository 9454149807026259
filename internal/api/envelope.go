package api

import (
	"bytes"
	"encoding/json"
)

// Envelope is the standard response wrapper used by the portal backend.
//
//	{"success": false, "error": {"code": "CAMPAIGN_LOCKED", "message": "...", "status": 409}}
//
// A body with success=false is an application-level failure even when the
// HTTP status is 2xx.
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError carries the application-level failure details.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"` // Optional HTTP-equivalent status
}

// Failed returns true if the envelope carries an explicit failure flag.
func (e Envelope) Failed() bool {
	return e.Success != nil && !*e.Success
}

// ParseEnvelope parses body as an Envelope. Returns false if the body is not
// a JSON object.
func ParseEnvelope(body []byte) (Envelope, bool) {
	var env Envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, false
	}
	return env, true
}
