package resilience

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryWrapper wraps a ResilientClient with the retry policy.
// Waits between attempts are timer-based and abort as soon as the caller's context is done.
type RetryWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryWrapper creates a retry wrapper around client.
// It panics if the resulting configuration is invalid; use NewRetryWrapperE to get the error instead.
//
// Example:
//
//	wrapper := resilience.NewRetryWrapper(
//	    client,
//	    resilience.WithMaxRetryAttempts(3),
//	    resilience.WithDecorrelatedJitter(200*time.Millisecond),
//	)
func NewRetryWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	w, err := NewRetryWrapperE(client, opts...)
	if err != nil {
		panic(err)
	}
	return w
}

// NewRetryWrapperE creates a retry wrapper around client and validates its configuration.
func NewRetryWrapperE[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...RetryOption,
) (*RetryWrapper[Req, Resp], error) {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}
	if config.Strategy == "" {
		config.Strategy = RetryStrategyDecorrelatedJitter
	}
	if config.Name == "" {
		config.Name = "default"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &RetryWrapper[Req, Resp]{
		client:     client,
		config:     config,
		logger:     config.Logger.With("policy", config.Name),
		classifier: config.ErrorClassifier,
		stats:      &retryStats{},
	}, nil
}

// Execute performs the request, retrying retryable failures up to MaxRetryAttempts times.
// When attempts run out the last error is returned as is.
//
// The retry Warn record is written synchronously before the backoff timer starts,
// with no locks held. A slow slog handler therefore lengthens the gap between
// attempts by its own write time; the computed backoff delay is unchanged.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if err := ctx.Err(); err != nil {
		w.logger.Warn("context already done before request (expected condition)",
			"error", err)
		return zero, err
	}

	var (
		response  Resp
		attempts  int
		retryable bool
	)

	err := retry.Do(ctx, w.getBackoffStrategy(), func(ctx context.Context) error {
		attempts++
		retryable = false

		w.stats.mu.Lock()
		w.stats.totalAttempts++
		if attempts > 1 {
			w.stats.totalRetries++
		}
		w.stats.lastAttemptTime = time.Now()
		w.stats.mu.Unlock()

		resp, err := w.client.Execute(ctx, req)
		if err == nil {
			if attempts > 1 {
				w.logger.Info("request succeeded after retry",
					"attempts", attempts)
			}
			response = resp
			return nil
		}

		if !w.classifier.IsRetryable(err) {
			w.logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}
		retryable = true

		if attempts > w.config.MaxRetryAttempts {
			return retry.RetryableError(err)
		}

		statusCode := extractStatusCode(err)
		w.logger.Warn("retrying downstream call",
			"event_id", EventRetryAttempt,
			"attempt", attempts,
			"status_code", statusCode,
			"error", err)
		w.config.Metrics.observeRetry(w.config.Name, statusCode)

		return retry.RetryableError(err)
	})
	if err != nil {
		if retryable && ctx.Err() == nil {
			w.logger.Warn("request failed after retries",
				"event_id", EventRetryExhausted,
				"attempts", attempts,
				"error", err)
			w.config.Metrics.observeExhausted(w.config.Name)
		}

		w.stats.mu.Lock()
		w.stats.totalFailures++
		w.stats.lastError = err
		w.stats.mu.Unlock()
		return zero, err
	}

	w.stats.mu.Lock()
	w.stats.totalSuccesses++
	w.stats.mu.Unlock()

	return response, nil
}

// Config returns a copy of the effective configuration.
func (w *RetryWrapper[Req, Resp]) Config() RetryConfig {
	return *w.config
}

// getBackoffStrategy builds a fresh backoff for one Execute call.
func (w *RetryWrapper[Req, Resp]) getBackoffStrategy() retry.Backoff {
	maxRetries := uint64(w.config.MaxRetryAttempts) // #nosec G115 - Validate bounds it to [0, 1000]

	var b retry.Backoff
	switch w.config.Strategy {
	case RetryStrategyConstant:
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			jitterMax := int64(w.config.InitialDelay / 10)
			if jitterMax <= 0 {
				jitterMax = 1
			}
			jitterBig, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
			if err != nil {
				return w.config.InitialDelay, false
			}
			return w.config.InitialDelay + time.Duration(jitterBig.Int64()), false
		})

	case RetryStrategyFibonacci:
		b = retry.WithJitter(w.config.InitialDelay/10, retry.NewFibonacci(w.config.InitialDelay))

	case RetryStrategyExponential:
		b = retry.WithJitter(w.config.InitialDelay/10, w.newConfigurableExponential())

	default:
		b = NewDecorrelatedJitterBackoff(w.config.MedianFirstRetryDelay, w.config.FastFirst, nil)
	}

	if w.config.MaxDelay > 0 {
		b = retry.WithCappedDuration(w.config.MaxDelay, b)
	}
	return retry.WithMaxRetries(maxRetries, b)
}

// newConfigurableExponential returns initialDelay * multiplier^attempt.
func (w *RetryWrapper[Req, Resp]) newConfigurableExponential() retry.Backoff {
	multiplier := w.config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	if multiplier == 2.0 {
		return retry.NewExponential(w.config.InitialDelay)
	}

	attempt := uint64(0)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay := float64(w.config.InitialDelay)
		for i := uint64(0); i < attempt; i++ {
			delay *= multiplier
			if delay > float64(1<<63-1) {
				attempt++
				return time.Duration(1<<63 - 1), false
			}
		}
		attempt++
		return time.Duration(delay), false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts counts every call, initial ones included.
	TotalAttempts int64

	// TotalRetries counts calls after the first one of each Execute.
	TotalRetries int64

	// TotalSuccesses counts Execute calls that returned without error.
	TotalSuccesses int64

	// TotalFailures counts Execute calls that returned an error.
	TotalFailures int64

	LastAttemptTime time.Time
	LastError       error
}

// GetRetryStats returns a snapshot of the statistics. Safe for concurrent use.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
