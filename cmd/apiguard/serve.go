package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiguard/errorhandler"
	"github.com/JohnPlummer/jp-go-apiguard/internal/gateway"
	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	retryMetrics, err := resilience.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering retry metrics: %w", err)
	}
	errorMetrics, err := errorhandler.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering error metrics: %w", err)
	}

	policies := resilience.NewPolicyRegistry(
		resilience.WithRegistryLogger(a.logger),
		resilience.WithRegistryMetrics(retryMetrics),
	)
	if err := policies.Register(gateway.AccountsPolicy, a.cfg.RetryPolicy(), a.cfg.CircuitBreaker()); err != nil {
		return err
	}

	gw, err := gateway.New(a.cfg.Downstream.URL, policies,
		gateway.WithLogger(a.logger),
		gateway.WithTimeout(a.cfg.Downstream.Timeout),
		gateway.WithErrorHandler(errorhandler.New(
			errorhandler.WithLogger(a.logger),
			errorhandler.WithMetrics(errorMetrics),
		)),
	)
	if err != nil {
		return err
	}

	mux := gw.Routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening",
			"addr", server.Addr,
			"downstream", a.cfg.Downstream.URL,
			"max_retry_attempts", a.cfg.Retry.MaxRetryAttempts,
			"median_first_retry_delay", a.cfg.Retry.MedianFirstRetryDelay,
			"circuit_breaker", a.cfg.Breaker.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}
