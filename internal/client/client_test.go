package client

import (
	"context"
	"testing"

	"github.com/deevus/portalkit/internal/api"
)

func TestMockTransport_Do(t *testing.T) {
	mock := &MockTransport{
		DoFunc: func(ctx context.Context, req *api.Request) (*api.Response, error) {
			if req.Endpoint != "/users" {
				t.Errorf("expected endpoint /users, got %s", req.Endpoint)
			}
			return &api.Response{Status: 201, Body: []byte(`{"id": 1}`)}, nil
		},
	}

	resp, err := mock.Do(context.Background(), &api.Request{Method: "POST", Endpoint: "/users"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 201 {
		t.Errorf("expected 201, got %d", resp.Status)
	}
}

func TestMockTransport_Do_NilFunc(t *testing.T) {
	mock := &MockTransport{}

	resp, err := mock.Do(context.Background(), &api.Request{Method: "GET", Endpoint: "/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("expected 200, got %d", resp.Status)
	}
}

func TestTransportFunc(t *testing.T) {
	called := false
	var transport Transport = TransportFunc(func(ctx context.Context, req *api.Request) (*api.Response, error) {
		called = true
		return &api.Response{Status: 204}, nil
	})

	resp, err := transport.Do(context.Background(), &api.Request{Method: "DELETE", Endpoint: "/users/1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected function to be called")
	}
	if resp.Status != 204 {
		t.Errorf("expected 204, got %d", resp.Status)
	}
}
