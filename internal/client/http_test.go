package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deevus/portalkit/internal/api"
)

func TestHTTPConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "https", baseURL: "https://portal.example.com/api", wantErr: false},
		{name: "http", baseURL: "http://localhost:8080", wantErr: false},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "ws scheme", baseURL: "ws://portal.example.com", wantErr: true},
		{name: "no scheme", baseURL: "portal.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := HTTPConfig{BaseURL: tt.baseURL}
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if config.UserAgent != "portalkit" {
					t.Errorf("expected default user agent, got %q", config.UserAgent)
				}
				if config.Client == nil {
					t.Error("expected default client")
				}
				if config.MaxResponseSize != DefaultMaxResponseSize {
					t.Errorf("expected default max response size, got %d", config.MaxResponseSize)
				}
			}
		})
	}
}

func TestHTTPTransport_Do(t *testing.T) {
	var gotAuth, gotRequestID, gotContentType, gotPath, gotBody, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Tenant")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success": true, "data": {"id": "u_1"}}`))
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: server.URL + "/api/", Token: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	resp, err := transport.Do(context.Background(), &api.Request{
		ID:       "req-1",
		Method:   http.MethodPost,
		Endpoint: "users",
		Header:   http.Header{"X-Tenant": []string{"acme"}},
		Body:     []byte(`{"email": "a@example.com"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.Status)
	}
	if gotPath != "/api/users" {
		t.Errorf("expected path /api/users, got %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotRequestID != "req-1" {
		t.Errorf("expected request ID header, got %q", gotRequestID)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotContentType)
	}
	if gotCustom != "acme" {
		t.Errorf("expected custom header, got %q", gotCustom)
	}
	if gotBody != `{"email": "a@example.com"}` {
		t.Errorf("unexpected body %s", gotBody)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ID != "u_1" {
		t.Errorf("expected id u_1, got %s", out.ID)
	}
}

func TestHTTPTransport_Do_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	resp, err := transport.Do(context.Background(), &api.Request{Method: http.MethodGet, Endpoint: "/health"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.Status)
	}
	if resp.OK() {
		t.Error("503 must not be OK")
	}
}

func TestHTTPTransport_SetToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	if _, err := transport.Do(context.Background(), &api.Request{Method: http.MethodGet, Endpoint: "/"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header, got %q", gotAuth)
	}

	transport.SetToken("rotated")
	if _, err := transport.Do(context.Background(), &api.Request{Method: http.MethodGet, Endpoint: "/"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer rotated" {
		t.Errorf("expected rotated token, got %q", gotAuth)
	}
}

func TestHTTPTransport_Do_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: server.URL, MaxResponseSize: 16})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	_, err = transport.Do(context.Background(), &api.Request{Method: http.MethodGet, Endpoint: "/"})
	if err == nil || !strings.Contains(err.Error(), "maximum size") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestHTTPTransport_Do_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: url})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	_, err = transport.Do(context.Background(), &api.Request{Method: http.MethodPost, Endpoint: "/users"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConnectivityError(err) {
		t.Errorf("expected connectivity error, got %v", err)
	}
}

func TestHTTPTransport_Do_Cancelled(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = transport.Do(ctx, &api.Request{Method: http.MethodGet, Endpoint: "/"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHTTPTransport_Resolve(t *testing.T) {
	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: "https://portal.example.com/api/"})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	tests := map[string]string{
		"/users":                       "https://portal.example.com/api/users",
		"users":                        "https://portal.example.com/api/users",
		"https://other.example.com/ok": "https://other.example.com/ok",
	}
	for endpoint, want := range tests {
		if got := transport.resolve(endpoint); got != want {
			t.Errorf("resolve(%q) = %q, want %q", endpoint, got, want)
		}
	}
}
