// Package resilience provides the outbound retry policy used when the API calls its downstream
// dependencies: a decorrelated-jitter retry loop, HTTP transient-fault classification, an optional
// circuit breaker, and a registry of named, lazily compiled HTTP policies.
package resilience

import (
	"context"
)

// ResilientClient is anything that performs a single downstream call.
// The retry and circuit breaker wrappers both implement it, so they can be stacked.
//
// Example:
//
//	type lookupClient struct{ http *http.Client }
//
//	func (c *lookupClient) Execute(ctx context.Context, id string) (*Account, error) {
//	    ...
//	}
//
//	accounts := resilience.NewRetryWrapper(&lookupClient{...},
//	    resilience.WithMaxRetryAttempts(3),
//	    resilience.WithDecorrelatedJitter(200*time.Millisecond),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs one call. ctx carries the caller's deadline and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// ClientFunc adapts a plain function to ResilientClient.
type ClientFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute calls f.
func (f ClientFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}
