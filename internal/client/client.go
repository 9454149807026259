package client

import (
	"context"

	"github.com/deevus/portalkit/internal/api"
)

// Transport sends a single request to the portal backend. Implementations
// must return a Response for every HTTP status and reserve the error return
// for failures where no response was received. Cancelling ctx must abort an
// in-flight call.
type Transport interface {
	Do(ctx context.Context, req *api.Request) (*api.Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *api.Request) (*api.Response, error)

// Do calls f(ctx, req).
func (f TransportFunc) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	return f(ctx, req)
}

// MockTransport is a test double for Transport.
type MockTransport struct {
	DoFunc func(ctx context.Context, req *api.Request) (*api.Response, error)
}

func (m *MockTransport) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(ctx, req)
	}
	return &api.Response{Status: 200}, nil
}
