package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

var _ = Describe("RetryWrapper", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *mockClient
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		client = &mockClient{}
		logger = quietLogger()
	})

	AfterEach(func() {
		cancel()
	})

	Describe("NewRetryWrapper", func() {
		It("creates a wrapper with default config", func() {
			wrapper := resilience.NewRetryWrapper(client)
			Expect(wrapper).NotTo(BeNil())

			cfg := wrapper.Config()
			Expect(cfg.Strategy).To(Equal(resilience.RetryStrategyDecorrelatedJitter))
			Expect(cfg.MaxRetryAttempts).To(Equal(3))
			Expect(cfg.FastFirst).To(BeTrue())
		})

		It("rejects a negative attempt count", func() {
			_, err := resilience.NewRetryWrapperE(client, resilience.WithMaxRetryAttempts(-1))
			Expect(err).To(MatchError(resilience.ErrInvalidRetryConfig))
		})

		It("rejects a missing median delay", func() {
			_, err := resilience.NewRetryWrapperE(client, resilience.WithDecorrelatedJitter(0))
			Expect(err).To(MatchError(resilience.ErrInvalidRetryConfig))
		})

		It("rejects an unknown strategy", func() {
			_, err := resilience.NewRetryWrapperE(client, func(c *resilience.RetryConfig) {
				c.Strategy = "linear"
			})
			Expect(err).To(MatchError(ContainSubstring("unknown strategy")))
		})

		It("panics on invalid config", func() {
			Expect(func() {
				resilience.NewRetryWrapper(client, resilience.WithMaxRetryAttempts(-2))
			}).To(Panic())
		})
	})

	Describe("Execute", func() {
		Context("successful request", func() {
			It("returns the response on the first attempt", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "success", nil
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(3),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := wrapper.Execute(ctx, "test")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				Expect(client.getCallCount()).To(Equal(1))

				stats := wrapper.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(1)))
				Expect(stats.TotalRetries).To(Equal(int64(0)))
				Expect(stats.TotalSuccesses).To(Equal(int64(1)))
				Expect(stats.TotalFailures).To(Equal(int64(0)))
			})
		})

		Context("retryable errors", func() {
			It("retries once for [500, 200] and returns the success", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					if client.getCallCount() == 1 {
						return "", resilience.NewStatusCodeError(500, errors.New("internal server error"))
					}
					return "success", nil
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(3),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := wrapper.Execute(ctx, "test")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				Expect(client.getCallCount()).To(Equal(2))
				Expect(wrapper.GetRetryStats().TotalRetries).To(Equal(int64(1)))
			})

			DescribeTable("makes exactly N+1 calls when every attempt fails",
				func(maxRetries int) {
					failure := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					client.executeFunc = func(ctx context.Context, req string) (string, error) {
						return "", failure
					}

					wrapper := resilience.NewRetryWrapper(
						client,
						resilience.WithMaxRetryAttempts(maxRetries),
						resilience.WithDecorrelatedJitter(time.Millisecond),
						resilience.WithRetryLogger(logger),
					)

					resp, err := wrapper.Execute(ctx, "test")
					Expect(err).To(BeIdenticalTo(failure))
					Expect(resp).To(BeEmpty())
					Expect(client.getCallCount()).To(Equal(maxRetries + 1))

					stats := wrapper.GetRetryStats()
					Expect(stats.TotalAttempts).To(Equal(int64(maxRetries + 1)))
					Expect(stats.TotalRetries).To(Equal(int64(maxRetries)))
					Expect(stats.TotalFailures).To(Equal(int64(1)))
					Expect(stats.LastError).To(BeIdenticalTo(failure))
				},
				Entry("no retries", 0),
				Entry("one retry", 1),
				Entry("three retries", 3),
				Entry("five retries", 5),
			)

			It("works with the other backoff strategies", func() {
				for _, opt := range []resilience.RetryOption{
					resilience.WithConstantBackoff(time.Millisecond),
					resilience.WithExponentialBackoff(time.Millisecond, 5*time.Millisecond),
					resilience.WithFibonacciBackoff(time.Millisecond, 5*time.Millisecond),
				} {
					c := &mockClient{executeFunc: func(ctx context.Context, req string) (string, error) {
						return "", resilience.NewStatusCodeError(502, errors.New("bad gateway"))
					}}
					wrapper := resilience.NewRetryWrapper(c, opt,
						resilience.WithMaxRetryAttempts(2),
						resilience.WithRetryLogger(logger),
					)

					_, err := wrapper.Execute(ctx, "test")
					Expect(err).To(HaveOccurred())
					Expect(c.getCallCount()).To(Equal(3))
				}
			})

			It("logs every retry with the event id, attempt and status code", func() {
				capture := &logCapture{}
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "", resilience.NewStatusCodeError(429, errors.New("too many requests"))
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(2),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithRetryLogger(capture.logger()),
					resilience.WithPolicyName("device-orders"),
				)

				_, err := wrapper.Execute(ctx, "test")
				Expect(err).To(HaveOccurred())

				retries := capture.lines(`"event_id":3001`)
				Expect(retries).To(HaveLen(2))
				Expect(retries[0]).To(ContainSubstring(`"attempt":1`))
				Expect(retries[1]).To(ContainSubstring(`"attempt":2`))
				Expect(retries[0]).To(ContainSubstring(`"status_code":429`))
				Expect(retries[0]).To(ContainSubstring(`"level":"WARN"`))
				Expect(retries[0]).To(ContainSubstring(`"policy":"device-orders"`))

				Expect(capture.lines(`"event_id":3002`)).To(HaveLen(1))
			})

			It("writes the retry record before the wait starts", func() {
				capture := &logCapture{}
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(1),
					resilience.WithConstantBackoff(time.Second),
					resilience.WithRetryLogger(capture.logger()),
				)

				shortCtx, shortCancel := context.WithTimeout(ctx, 100*time.Millisecond)
				defer shortCancel()

				start := time.Now()
				_, err := wrapper.Execute(shortCtx, "test")
				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
				Expect(client.getCallCount()).To(Equal(1))

				Expect(capture.lines(`"event_id":3001`)).To(HaveLen(1))
				Expect(capture.lines(`"event_id":3002`)).To(BeEmpty())
			})
		})

		Context("non-retryable errors", func() {
			It("does not retry a 400", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "", resilience.NewStatusCodeError(400, errors.New("bad request"))
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(3),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := wrapper.Execute(ctx, "test")
				Expect(err).To(HaveOccurred())
				Expect(client.getCallCount()).To(Equal(1))

				stats := wrapper.GetRetryStats()
				Expect(stats.TotalRetries).To(Equal(int64(0)))
				Expect(stats.TotalFailures).To(Equal(int64(1)))
			})

			It("respects a custom classifier", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "", errors.New("permanent")
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(3),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithErrorClassifier(&mockErrorClassifier{
						isRetryableFunc: func(err error) bool { return false },
					}),
					resilience.WithRetryLogger(logger),
				)

				_, err := wrapper.Execute(ctx, "test")
				Expect(err).To(MatchError("permanent"))
				Expect(client.getCallCount()).To(Equal(1))
			})
		})

		Context("context cancellation", func() {
			It("returns immediately when the context is already done", func() {
				canceledCtx, cancelNow := context.WithCancel(context.Background())
				cancelNow()

				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "success", nil
				}

				wrapper := resilience.NewRetryWrapper(client, resilience.WithRetryLogger(logger))

				_, err := wrapper.Execute(canceledCtx, "test")
				Expect(err).To(Equal(context.Canceled))
				Expect(client.getCallCount()).To(Equal(0))
			})

			It("stops at the next attempt boundary when canceled during a wait", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					if client.getCallCount() == 2 {
						cancel()
					}
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(10),
					resilience.WithConstantBackoff(50*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := wrapper.Execute(ctx, "test")
				Expect(err).To(Equal(context.Canceled))
				Expect(client.getCallCount()).To(Equal(2))
			})

			It("does not retry a deadline exceeded error", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return "", context.DeadlineExceeded
				}

				wrapper := resilience.NewRetryWrapper(
					client,
					resilience.WithMaxRetryAttempts(3),
					resilience.WithDecorrelatedJitter(time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := wrapper.Execute(ctx, "test")
				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(client.getCallCount()).To(Equal(1))
			})
		})

		Context("concurrent callers", func() {
			It("shares one wrapper safely", func() {
				client.executeFunc = func(ctx context.Context, req string) (string, error) {
					return req, nil
				}
				wrapper := resilience.NewRetryWrapper(client, resilience.WithRetryLogger(logger))

				done := make(chan struct{})
				for i := 0; i < 20; i++ {
					go func() {
						defer GinkgoRecover()
						_, err := wrapper.Execute(ctx, "test")
						Expect(err).NotTo(HaveOccurred())
						done <- struct{}{}
					}()
				}
				for i := 0; i < 20; i++ {
					Eventually(done).Should(Receive())
				}

				Expect(wrapper.GetRetryStats().TotalSuccesses).To(Equal(int64(20)))
			})
		})
	})
})
