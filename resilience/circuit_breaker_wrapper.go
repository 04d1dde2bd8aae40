package resilience

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper stops calling a downstream dependency once it keeps failing,
// so retries from many requests do not pile onto a service that is already down.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	name       string
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewCircuitBreakerWrapper creates a circuit breaker around client.
//
// Example:
//
//	wrapper := resilience.NewCircuitBreakerWrapper(
//	    client,
//	    resilience.WithCircuitBreakerName("device-orders"),
//	    resilience.WithTimeout(60*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}
	if config.Name == "" {
		config.Name = "downstream"
	}

	classifier := config.ErrorClassifier
	logger := config.Logger.With("breaker", config.Name)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(fromGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"event_id", EventCircuitStateChange,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier.ShouldTripCircuit(err)
		},
	}

	return &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker[Resp](settings),
		name:       config.Name,
		logger:     logger,
		classifier: classifier,
	}
}

// Execute runs the call through the breaker. While the breaker is open the call is
// rejected without reaching the client, with a jp-go-errors circuit breaker error:
//   - gobreaker.ErrOpenState becomes a circuit error in state "open"
//   - gobreaker.ErrTooManyRequests becomes a circuit error in state "half-open"
//
// Both keep the gobreaker sentinel reachable with errors.Is.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return w.client.Execute(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	counts := w.cb.Counts()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		w.logger.Warn("circuit breaker is open, downstream call rejected",
			"consecutive_failures", counts.ConsecutiveFailures)
		return zero, &circuitRejection{
			err: jperrors.NewCircuitBreakerError(
				"downstream call rejected",
				w.name,
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			),
			cause: err,
		}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		w.logger.Debug("circuit breaker half-open, probe budget used up")
		return zero, &circuitRejection{
			err: jperrors.NewCircuitBreakerError(
				"too many requests in half-open state",
				w.name,
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			),
			cause: err,
		}
	default:
		w.logger.Debug("downstream call failed through circuit breaker",
			"error", err,
			"should_trip", w.classifier.ShouldTripCircuit(err))
		return zero, err
	}
}

// circuitRejection pairs the jp-go-errors circuit error with the gobreaker sentinel.
type circuitRejection struct {
	err   error
	cause error
}

func (e *circuitRejection) Error() string {
	return e.err.Error()
}

func (e *circuitRejection) Unwrap() []error {
	return []error{e.err, e.cause}
}

// Name returns the breaker name.
func (w *CircuitBreakerWrapper[Req, Resp]) Name() string {
	return w.name
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	return fromGobreakerCounts(w.cb.Counts())
}

// GetHealth returns the health status of the circuit breaker.
// Half-open is reported healthy: the dependency is degraded but still taking traffic.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	return HealthStatus{
		Name:                 w.name,
		Healthy:              state != StateOpen,
		Status:               state.String(),
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func fromGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// CombineRetryAndCircuitBreaker layers the breaker inside the retry loop: every attempt
// is recorded by the breaker, and an open breaker ends the retry loop at once.
func CombineRetryAndCircuitBreaker[Req, Resp any](
	client ResilientClient[Req, Resp],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) (*RetryWrapper[Req, Resp], error) {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	if cbConfig == nil {
		cbConfig = DefaultCircuitBreakerConfig()
	}

	rc, cc := *retryConfig, *cbConfig
	if logger != nil {
		rc.Logger = logger
		cc.Logger = logger
	}

	withCB := NewCircuitBreakerWrapper(client, func(c *CircuitBreakerConfig) { *c = cc })
	return NewRetryWrapperE[Req, Resp](withCB, WithRetryConfig(rc))
}
