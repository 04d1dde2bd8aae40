package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ErrPolicyNotFound is returned when a policy name was never registered.
var ErrPolicyNotFound = errors.New("retry policy not registered")

// PolicyRegistry holds named HTTP retry policies, one per downstream dependency.
//
// Registration only validates configuration. The transport behind a policy is built the
// first time it is asked for, exactly once even under concurrent first use, and then
// shared by every caller.
type PolicyRegistry struct {
	base    http.RoundTripper
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	policies map[string]*policyEntry
}

type policyEntry struct {
	transport func() *Transport
}

// RegistryOption configures a PolicyRegistry.
type RegistryOption func(*PolicyRegistry)

// WithBaseTransport sets the transport every policy sends through. Default: http.DefaultTransport.
func WithBaseTransport(base http.RoundTripper) RegistryOption {
	return func(r *PolicyRegistry) {
		r.base = base
	}
}

// WithRegistryLogger sets the logger handed to policies that do not set their own.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *PolicyRegistry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics handed to policies that do not set their own.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *PolicyRegistry) {
		r.metrics = metrics
	}
}

// NewPolicyRegistry creates an empty registry.
func NewPolicyRegistry(opts ...RegistryOption) *PolicyRegistry {
	r := &PolicyRegistry{
		base:     http.DefaultTransport,
		logger:   slog.Default(),
		policies: make(map[string]*policyEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a named policy. cbConfig may be nil to run without a circuit breaker.
// The configuration is validated here so a misconfigured policy fails at startup,
// not on the first downstream call.
//
// Example:
//
//	registry := resilience.NewPolicyRegistry(resilience.WithRegistryLogger(logger))
//	err := registry.Register("device-orders", &resilience.RetryConfig{
//	    MaxRetryAttempts:      3,
//	    MedianFirstRetryDelay: 200 * time.Millisecond,
//	    FastFirst:             true,
//	}, nil)
func (r *PolicyRegistry) Register(name string, retryConfig *RetryConfig, cbConfig *CircuitBreakerConfig) error {
	if name == "" {
		return fmt.Errorf("%w: policy name is required", ErrInvalidRetryConfig)
	}
	if retryConfig == nil {
		return fmt.Errorf("%w: policy %q has no retry config", ErrInvalidRetryConfig, name)
	}

	rc := *retryConfig
	rc.Name = name
	if rc.Logger == nil {
		rc.Logger = r.logger
	}
	if rc.Metrics == nil {
		rc.Metrics = r.metrics
	}
	if rc.Strategy == "" {
		rc.Strategy = RetryStrategyDecorrelatedJitter
	}
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}

	var cc *CircuitBreakerConfig
	if cbConfig != nil {
		c := *cbConfig
		if c.Name == "" {
			c.Name = name
		}
		if c.Logger == nil {
			c.Logger = r.logger
		}
		cc = &c
	}

	base := r.base
	entry := &policyEntry{
		transport: sync.OnceValue(func() *Transport {
			// rc was validated above, so construction cannot fail.
			t, err := newTransport(base, cc, WithRetryConfig(rc))
			if err != nil {
				panic(err)
			}
			rc.Logger.Debug("compiled retry policy",
				"policy", name,
				"max_retry_attempts", rc.MaxRetryAttempts,
				"median_first_retry_delay", rc.MedianFirstRetryDelay,
				"circuit_breaker", cc != nil)
			return t
		}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[name]; exists {
		return fmt.Errorf("%w: policy %q already registered", ErrInvalidRetryConfig, name)
	}
	r.policies[name] = entry
	return nil
}

// Transport returns the shared transport of the named policy, building it on first use.
func (r *PolicyRegistry) Transport(name string) (*Transport, error) {
	r.mu.RLock()
	entry, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	return entry.transport(), nil
}

// Client returns an http.Client sending through the named policy.
// timeout bounds the whole call, retries and waits included; 0 means no limit.
func (r *PolicyRegistry) Client(name string, timeout time.Duration) (*http.Client, error) {
	t, err := r.Transport(name)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

// Names returns the registered policy names in order.
func (r *PolicyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports every registered policy. Policies never used yet are compiled here.
func (r *PolicyRegistry) Health() []HealthStatus {
	names := r.Names()
	statuses := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		t, err := r.Transport(name)
		if err != nil {
			continue
		}
		h := t.Health()
		h.Name = name
		statuses = append(statuses, h)
	}
	return statuses
}
