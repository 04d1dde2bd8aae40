// Package gateway serves account lookups by calling the accounts service through
// a named retry policy. Downstream failures are reported as error envelopes.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/jp-go-apiguard/errorhandler"
	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

// AccountsPolicy is the retry policy name used for the accounts service.
const AccountsPolicy = "accounts"

// Gateway exposes the HTTP routes.
type Gateway struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	registry *resilience.PolicyRegistry
	errors   *errorhandler.Handler
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTimeout bounds each downstream lookup, retries included.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithErrorHandler sets the error handler wrapping every route.
func WithErrorHandler(h *errorhandler.Handler) Option {
	return func(g *Gateway) {
		g.errors = h
	}
}

// New creates a Gateway calling baseURL with the client of AccountsPolicy from registry.
func New(baseURL string, registry *resilience.PolicyRegistry, opts ...Option) (*Gateway, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid downstream url %q", baseURL)
	}

	g := &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		registry: registry,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.errors == nil {
		g.errors = errorhandler.New(errorhandler.WithLogger(g.logger))
	}

	client, err := registry.Client(AccountsPolicy, g.timeout)
	if err != nil {
		return nil, err
	}
	g.client = client
	return g, nil
}

// Routes returns the gateway mux.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/accounts/{id}", g.errors.Wrap(g.getAccount))
	mux.Handle("GET /health", g.errors.Wrap(g.health))
	return mux
}

func (g *Gateway) getAccount(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if strings.TrimSpace(id) == "" {
		return errorhandler.BadRequest("account id is required")
	}

	target := g.baseURL + "/accounts/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building accounts request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if rid := r.Header.Get(errorhandler.RequestIDHeader); rid != "" {
		req.Header.Set(errorhandler.RequestIDHeader, rid)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return downstreamError(id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errorhandler.NotFound("account not found",
			errorhandler.WithDeveloperMessage(fmt.Sprintf("accounts service returned 404 for account %s", id)))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("relaying accounts response: %w", err)
	}
	return nil
}

func downstreamError(id string, err error) error {
	developer := fmt.Sprintf("accounts lookup for %s failed: %v", id, err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errorhandler.NewAppError(http.StatusServiceUnavailable, "accounts service temporarily unavailable",
			errorhandler.WithCause(err),
			errorhandler.WithDeveloperMessage(developer))
	}
	return errorhandler.BadGateway("accounts service unavailable",
		errorhandler.WithCause(err),
		errorhandler.WithDeveloperMessage(developer))
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Policies []resilience.HealthStatus `json:"policies"`
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) error {
	resp := healthResponse{Status: "ok", Policies: g.registry.Health()}
	for _, p := range resp.Policies {
		if !p.Healthy {
			resp.Status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(resp)
}
