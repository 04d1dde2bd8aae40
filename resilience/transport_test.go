package resilience_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// scriptedServer answers with the given statuses in order, repeating the last one.
type scriptedServer struct {
	*httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []string
}

func newScriptedServer(statuses ...int) *scriptedServer {
	s := &scriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.hits.Add(1))
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		status := statuses[min(n, len(statuses))-1]
		w.WriteHeader(status)
		_, _ = io.WriteString(w, http.StatusText(status)+" #"+strconv.Itoa(n))
	}))
	return s
}

func (s *scriptedServer) receivedBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

// trackedBody records whether it was closed.
type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func sumCounter(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

var _ = Describe("Transport", func() {
	var (
		logger *slog.Logger
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		logger = quietLogger()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	newClient := func(opts ...resilience.RetryOption) *http.Client {
		opts = append([]resilience.RetryOption{
			resilience.WithDecorrelatedJitter(time.Millisecond),
			resilience.WithRetryLogger(logger),
		}, opts...)
		t, err := resilience.NewTransport(nil, opts...)
		Expect(err).NotTo(HaveOccurred())
		return &http.Client{Transport: t}
	}

	get := func(client *http.Client, url string) *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	It("retries once for [500, 200] and returns the 200", func() {
		server := newScriptedServer(500, 200)
		defer server.Close()

		resp := get(newClient(resilience.WithMaxRetryAttempts(3)), server.URL)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(server.hits.Load()).To(Equal(int32(2)))
	})

	It("returns the last response unmodified once attempts run out", func() {
		server := newScriptedServer(503)
		defer server.Close()

		resp := get(newClient(resilience.WithMaxRetryAttempts(2)), server.URL)
		Expect(server.hits.Load()).To(Equal(int32(3)))
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("Service Unavailable #3"))
	})

	It("retries 429", func() {
		server := newScriptedServer(429, 429, 200)
		defer server.Close()

		resp := get(newClient(resilience.WithMaxRetryAttempts(3)), server.URL)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(server.hits.Load()).To(Equal(int32(3)))
	})

	DescribeTable("passes non-eligible statuses straight through",
		func(status int) {
			server := newScriptedServer(status)
			defer server.Close()

			resp := get(newClient(resilience.WithMaxRetryAttempts(3)), server.URL)
			Expect(resp.StatusCode).To(Equal(status))
			Expect(server.hits.Load()).To(Equal(int32(1)))
		},
		Entry("200", 200),
		Entry("400", 400),
		Entry("404", 404),
	)

	It("replays the request body on every attempt", func() {
		server := newScriptedServer(502, 502, 201)
		defer server.Close()

		client := newClient(resilience.WithMaxRetryAttempts(3))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL,
			io.NopCloser(strings.NewReader(`{"deviceId":"A1"}`)))
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(server.receivedBodies()).To(Equal([]string{
			`{"deviceId":"A1"}`, `{"deviceId":"A1"}`, `{"deviceId":"A1"}`,
		}))
	})

	It("closes the caller's body when attempts use GetBody", func() {
		server := newScriptedServer(503, 200)
		defer server.Close()

		t, err := resilience.NewTransport(nil,
			resilience.WithMaxRetryAttempts(2),
			resilience.WithDecorrelatedJitter(time.Millisecond),
			resilience.WithRetryLogger(logger),
		)
		Expect(err).NotTo(HaveOccurred())

		original := &trackedBody{Reader: strings.NewReader(`{"deviceId":"A1"}`)}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, original)
		Expect(err).NotTo(HaveOccurred())
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(`{"deviceId":"A1"}`)), nil
		}

		resp, err := t.RoundTrip(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(original.closed.Load()).To(BeTrue())
		Expect(server.receivedBodies()).To(Equal([]string{`{"deviceId":"A1"}`, `{"deviceId":"A1"}`}))
	})

	It("closes the caller's body when every attempt fails", func() {
		base := roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection reset by peer")
		})
		t, err := resilience.NewTransport(base,
			resilience.WithMaxRetryAttempts(1),
			resilience.WithDecorrelatedJitter(time.Millisecond),
			resilience.WithRetryLogger(logger),
		)
		Expect(err).NotTo(HaveOccurred())

		original := &trackedBody{Reader: strings.NewReader("payload")}
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://accounts.internal/accounts", original)
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("payload")), nil
		}

		_, err = t.RoundTrip(req)
		Expect(err).To(HaveOccurred())
		Expect(original.closed.Load()).To(BeTrue())
	})

	It("retries transport faults and returns the last error", func() {
		var calls atomic.Int32
		fault := errors.New("connection reset by peer")
		base := roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, fault
		})

		t, err := resilience.NewTransport(base,
			resilience.WithMaxRetryAttempts(2),
			resilience.WithDecorrelatedJitter(time.Millisecond),
			resilience.WithRetryLogger(logger),
		)
		Expect(err).NotTo(HaveOccurred())

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://accounts.internal/accounts/1", nil)
		resp, err := t.RoundTrip(req)
		Expect(resp).To(BeNil())
		Expect(err).To(BeIdenticalTo(fault))
		Expect(calls.Load()).To(Equal(int32(3)))
		Expect(t.Stats().TotalRetries).To(Equal(int64(2)))
	})

	It("gives up when the request context is canceled", func() {
		server := newScriptedServer(503)
		defer server.Close()

		client := newClient(
			resilience.WithMaxRetryAttempts(5),
			resilience.WithConstantBackoff(time.Second),
		)
		shortCtx, shortCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer shortCancel()

		req, _ := http.NewRequestWithContext(shortCtx, http.MethodGet, server.URL, nil)
		_, err := client.Do(req)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(server.hits.Load()).To(Equal(int32(1)))
	})

	It("counts retries and exhaustion in metrics", func() {
		server := newScriptedServer(500)
		defer server.Close()

		reg := prometheus.NewRegistry()
		metrics, err := resilience.NewMetrics(reg)
		Expect(err).NotTo(HaveOccurred())

		_ = get(newClient(
			resilience.WithMaxRetryAttempts(2),
			resilience.WithRetryMetrics(metrics),
			resilience.WithPolicyName("trips"),
		), server.URL)

		Expect(sumCounter(reg, "apiguard_retry_attempts_total")).To(Equal(2.0))
		Expect(sumCounter(reg, "apiguard_retry_exhausted_total")).To(Equal(1.0))
	})

	It("rejects invalid configuration", func() {
		_, err := resilience.NewTransport(nil, resilience.WithMaxRetryAttempts(-1))
		Expect(err).To(MatchError(resilience.ErrInvalidRetryConfig))
	})

	Context("with a circuit breaker", func() {
		It("opens after repeated failures and fails fast", func() {
			server := newScriptedServer(500)
			defer server.Close()

			t, err := resilience.NewTransportWithCircuitBreaker(nil,
				&resilience.CircuitBreakerConfig{
					Name:    "accounts",
					Timeout: time.Minute,
					Logger:  logger,
					ReadyToTrip: func(counts resilience.CircuitBreakerCounts) bool {
						return counts.ConsecutiveFailures >= 3
					},
				},
				resilience.WithMaxRetryAttempts(5),
				resilience.WithDecorrelatedJitter(time.Millisecond),
				resilience.WithRetryLogger(logger),
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Health().Healthy).To(BeTrue())

			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
			resp, err := t.RoundTrip(req)
			Expect(resp).To(BeNil())
			Expect(err).To(HaveOccurred())
			Expect(server.hits.Load()).To(Equal(int32(3)))

			health := t.Health()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.State).To(Equal("open"))
			Expect(health.Name).To(Equal("accounts"))
		})

		It("reports disabled health without a breaker", func() {
			t, err := resilience.NewTransport(nil, resilience.WithRetryLogger(logger))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Health().Status).To(Equal("disabled"))
			Expect(t.Health().Healthy).To(BeTrue())
		})
	})
})
