package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// drainLimit bounds how much of a discarded response body is read so the connection can be reused.
const drainLimit = 64 << 10

// Transport is an http.RoundTripper that applies a retry policy, optionally with a
// circuit breaker, to every outbound request.
//
// Responses whose status is retry-eligible are retried. When attempts run out the last
// response is returned to the caller untouched, exactly as the downstream sent it.
type Transport struct {
	client ResilientClient[*roundTrip, *http.Response]
}

// roundTrip is the per-request state threaded through the retry loop.
type roundTrip struct {
	req  *http.Request
	body []byte
	last *http.Response
}

// roundTripper performs one attempt against base.
type roundTripper struct {
	base http.RoundTripper
}

// NewTransport wraps base (http.DefaultTransport if nil) with a retry policy.
//
// Example:
//
//	transport, err := resilience.NewTransport(nil,
//	    resilience.WithMaxRetryAttempts(3),
//	    resilience.WithDecorrelatedJitter(200*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	client := &http.Client{Transport: transport}
func NewTransport(base http.RoundTripper, opts ...RetryOption) (*Transport, error) {
	return newTransport(base, nil, opts...)
}

// NewTransportWithCircuitBreaker wraps base with a circuit breaker (inner) and a retry policy (outer).
func NewTransportWithCircuitBreaker(
	base http.RoundTripper,
	cbConfig *CircuitBreakerConfig,
	opts ...RetryOption,
) (*Transport, error) {
	if cbConfig == nil {
		cbConfig = DefaultCircuitBreakerConfig()
	}
	return newTransport(base, cbConfig, opts...)
}

func newTransport(base http.RoundTripper, cbConfig *CircuitBreakerConfig, opts ...RetryOption) (*Transport, error) {
	if base == nil {
		base = http.DefaultTransport
	}

	var inner ResilientClient[*roundTrip, *http.Response] = &roundTripper{base: base}
	if cbConfig != nil {
		cfg := *cbConfig
		inner = NewCircuitBreakerWrapper(inner, func(c *CircuitBreakerConfig) { *c = cfg })
	}

	wrapper, err := NewRetryWrapperE(inner, opts...)
	if err != nil {
		return nil, err
	}
	return &Transport{client: wrapper}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := &roundTrip{req: req}
	if err := rt.bufferBody(); err != nil {
		return nil, err
	}
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		defer req.Body.Close()
	}

	resp, err := t.client.Execute(req.Context(), rt)
	if err == nil {
		return resp, nil
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) && respErr.Response == rt.last {
		return rt.last, nil
	}

	rt.discard()
	return nil, err
}

// Stats returns the retry statistics of the transport.
func (t *Transport) Stats() RetryStats {
	switch c := t.client.(type) {
	case *RetryWrapper[*roundTrip, *http.Response]:
		return c.GetRetryStats()
	default:
		return RetryStats{}
	}
}

// Health returns the breaker health, or a healthy "disabled" status when no breaker is configured.
func (t *Transport) Health() HealthStatus {
	if w, ok := t.client.(*RetryWrapper[*roundTrip, *http.Response]); ok {
		if cb, ok := w.client.(*CircuitBreakerWrapper[*roundTrip, *http.Response]); ok {
			return cb.GetHealth()
		}
	}
	return HealthStatus{Healthy: true, Status: "disabled", State: "disabled"}
}

// Execute performs a single attempt. Responses that are not 2xx/3xx come back as
// *ResponseError so the classifiers can see the status code; the response itself is kept
// on rt until the next attempt or the end of the loop.
func (c *roundTripper) Execute(ctx context.Context, rt *roundTrip) (*http.Response, error) {
	rt.discard()

	req, err := rt.attempt(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		rt.last = resp
		return nil, &ResponseError{Response: resp}
	}
	return resp, nil
}

// bufferBody reads a non-rewindable body once so it can be replayed on every attempt.
func (rt *roundTrip) bufferBody() error {
	if rt.req.Body == nil || rt.req.Body == http.NoBody || rt.req.GetBody != nil {
		return nil
	}
	body, err := io.ReadAll(rt.req.Body)
	_ = rt.req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	rt.body = body
	return nil
}

// attempt returns a fresh copy of the request with a rewound body.
func (rt *roundTrip) attempt(ctx context.Context) (*http.Request, error) {
	req := rt.req.Clone(ctx)
	switch {
	case rt.body != nil:
		req.Body = io.NopCloser(bytes.NewReader(rt.body))
		req.ContentLength = int64(len(rt.body))
	case rt.req.GetBody != nil:
		body, err := rt.req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

// discard drains and closes the response kept from the previous attempt.
func (rt *roundTrip) discard() {
	if rt.last == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rt.last.Body, drainLimit)
	_ = rt.last.Body.Close()
	rt.last = nil
}
