package errorhandler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/JohnPlummer/jp-go-apiguard/scrub"
)

// Log event ids.
const (
	EventHandledError   = 4001
	EventUnhandledError = 4002
	EventBusinessError  = 4003
)

// RequestIDHeader carries the request id. One is generated when the client sends none.
const RequestIDHeader = "X-Request-ID"

// HandlerFunc is an http handler that reports failure by returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler turns handler failures into error envelopes.
type Handler struct {
	logger   *slog.Logger
	scrubber *scrub.Scrubber
	metrics  *Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for errors without their own.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithScrubber replaces the default scrubbing rules.
func WithScrubber(s *scrub.Scrubber) Option {
	return func(h *Handler) {
		h.scrubber = s
	}
}

// WithMetrics records envelopes and business error rewrites.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.scrubber == nil {
		h.scrubber = scrub.New()
	}
	return h
}

// Middleware wraps next. Panics in next are reported like returned errors.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return h.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		next.ServeHTTP(w, r)
		return nil
	})
}

// Wrap adapts fn to http.Handler.
func (h *Handler) Wrap(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, fn)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, fn HandlerFunc) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	bw := newBufferedWriter(buf)
	stack, err := invoke(fn, bw, r)
	if err != nil {
		h.writeError(w, r, requestID, err, stack)
		return
	}

	status := bw.status
	if status >= 200 && status < 300 {
		if msg, ok := FindBusinessError(buf.B); ok {
			h.logger.Info("business error in successful response",
				"event_id", EventBusinessError,
				"original_status", status,
				"error", h.scrubber.Scrub(msg),
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID)
			h.metrics.businessError()
			status = http.StatusBadRequest
		}
	}

	if err := bw.flush(w, status); err != nil {
		h.logger.Debug("writing response failed", "error", err, "request_id", requestID)
	}
}

// invoke runs fn and converts a panic into an error. http.ErrAbortHandler is re-raised.
func invoke(fn HandlerFunc, w http.ResponseWriter, r *http.Request) (stack []byte, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		stack = debug.Stack()
		if e, ok := rec.(error); ok {
			err = e
			return
		}
		err = fmt.Errorf("%v", rec)
	}()

	return nil, fn(w, r)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, requestID string, err error, stack []byte) {
	c := Classify(err, h.scrubber)
	env := c.Envelope

	logger := c.Logger
	if logger == nil {
		logger = h.logger
	}

	attrs := []any{
		"status_code", env.StatusCode,
		"handled", env.Handled,
		"error", env.Error,
	}
	if c.DeveloperMessage != env.Error {
		attrs = append(attrs, "developer_message", c.DeveloperMessage)
	}
	attrs = append(attrs,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID)

	if env.Handled {
		logger.Warn("request failed", append([]any{"event_id", EventHandledError}, attrs...)...)
	} else {
		if stack != nil {
			attrs = append(attrs, "stack", string(stack))
		}
		logger.Error("unhandled error", append([]any{"event_id", EventUnhandledError}, attrs...)...)
	}
	h.metrics.envelopeWritten(env)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Debug("writing error envelope failed", "error", err, "request_id", requestID)
	}
}
