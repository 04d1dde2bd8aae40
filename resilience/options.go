package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyDecorrelatedJitter uses the decorrelated jitter V2 schedule around a median first delay.
	RetryStrategyDecorrelatedJitter RetryStrategy = "decorrelated-jitter"

	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// Log event ids. They are emitted as the "event_id" attribute so dashboards can
// filter on them regardless of the message text.
const (
	EventRetryAttempt       = 3001
	EventRetryExhausted     = 3002
	EventCircuitStateChange = 3003
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier (5xx, 408, 429 and transport faults)
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives retry counters. Nil disables metrics.
	Metrics *Metrics

	// Name identifies the policy in logs and metrics.
	// Default: "default"
	Name string

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyDecorrelatedJitter
	Strategy RetryStrategy

	// MedianFirstRetryDelay is the median of the first delay for the decorrelated jitter strategy.
	// Default: 1 second
	MedianFirstRetryDelay time.Duration

	// InitialDelay is the delay before the first retry for the exponential, constant and fibonacci strategies.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps any single delay.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier for the exponential strategy.
	// Default: 2.0
	Multiplier float64

	// MaxRetryAttempts is the number of retries after the initial call.
	// A call failing every time is attempted MaxRetryAttempts+1 times.
	// Default: 3
	MaxRetryAttempts int

	// FastFirst makes the first retry of the decorrelated jitter strategy immediate.
	// Default: true
	FastFirst bool
}

// Validate reports configuration that would make the policy misbehave silently.
func (c *RetryConfig) Validate() error {
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("%w: max retry attempts must not be negative, got %d", ErrInvalidRetryConfig, c.MaxRetryAttempts)
	}
	if c.MaxRetryAttempts > 1000 {
		return fmt.Errorf("%w: max retry attempts must not exceed 1000, got %d", ErrInvalidRetryConfig, c.MaxRetryAttempts)
	}

	switch c.Strategy {
	case RetryStrategyDecorrelatedJitter, "":
		if c.MedianFirstRetryDelay <= 0 {
			return fmt.Errorf("%w: median first retry delay must be positive", ErrInvalidRetryConfig)
		}
	case RetryStrategyExponential, RetryStrategyConstant, RetryStrategyFibonacci:
		if c.InitialDelay <= 0 {
			return fmt.Errorf("%w: initial delay must be positive", ErrInvalidRetryConfig)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRetryConfig, c.Strategy)
	}

	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: max delay must not be negative", ErrInvalidRetryConfig)
	}
	return nil
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetryAttempts sets how many times a failed call is retried.
//
// Example:
//
//	resilience.WithMaxRetryAttempts(3) // up to 4 calls in total
func WithMaxRetryAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxRetryAttempts = attempts
	}
}

// WithDecorrelatedJitter selects the decorrelated jitter schedule around median.
//
// Example:
//
//	resilience.WithDecorrelatedJitter(500 * time.Millisecond)
func WithDecorrelatedJitter(median time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyDecorrelatedJitter
		c.MedianFirstRetryDelay = median
	}
}

// WithFastFirst controls whether the first decorrelated jitter retry is immediate.
func WithFastFirst(fastFirst bool) RetryOption {
	return func(c *RetryConfig) {
		c.FastFirst = fastFirst
	}
}

// WithMaxDelay caps every delay.
func WithMaxDelay(maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.MaxDelay = maxDelay
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, ~16s, 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for the exponential strategy.
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithConstantBackoff configures a constant delay with jitter.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets the logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithRetryMetrics sets the metrics sink for retry operations.
func WithRetryMetrics(metrics *Metrics) RetryOption {
	return func(c *RetryConfig) {
		c.Metrics = metrics
	}
}

// WithPolicyName sets the name reported in logs and metrics.
func WithPolicyName(name string) RetryOption {
	return func(c *RetryConfig) {
		c.Name = name
	}
}

// WithRetryConfig copies every field of cfg. Later options still apply on top.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryConfig) {
		*c = cfg
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:                  "default",
		MaxRetryAttempts:      3,
		Strategy:              RetryStrategyDecorrelatedJitter,
		MedianFirstRetryDelay: time.Second,
		FastFirst:             true,
		InitialDelay:          time.Second,
		MaxDelay:              30 * time.Second,
		Multiplier:            2.0,
		ErrorClassifier:       DefaultErrorClassifier(),
		Logger:                slog.Default(),
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors count as breaker failures.
	// Default: HTTPStatusClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs and health reports.
	// Default: "downstream"
	Name string

	// Interval is the cyclic period of the closed state after which counts are cleared. 0 never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the number of requests let through while half-open.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means a limited number of probe requests are let through.
	StateHalfOpen

	// StateOpen means requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets how long the breaker stays open.
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	resilience.WithReadyToTrip(func(counts resilience.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom classifier for breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets the logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithCircuitBreakerName sets the breaker name.
func WithCircuitBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "downstream",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}
