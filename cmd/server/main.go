// Package main is the entry point for the RAGMux aggregator server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ragmux/ragmux/internal/api"
	"github.com/ragmux/ragmux/internal/config"
	"github.com/ragmux/ragmux/internal/generation"
	"github.com/ragmux/ragmux/internal/mq"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/orchestrator"
	"github.com/ragmux/ragmux/internal/retrieval"
	"github.com/ragmux/ragmux/internal/transport"
	"github.com/ragmux/ragmux/internal/tunnel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format == "json",
	})
	logger.Info("starting aggregator", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Tunnel authority and request/reply client.
	authority := tunnel.NewAuthority(tunnel.AuthorityConfig{
		Expire:           cfg.Tunnel.PeerTokenExpire(),
		TransportURL:     cfg.Tunnel.TransportURL,
		CredentialSecret: cfg.Tunnel.CredentialSecret,
	})
	dial := func(ctx context.Context, url, auth string) (tunnel.Bus, error) {
		return tunnel.DialRedis(ctx, url, auth)
	}
	tunnelClient := tunnel.NewClient(authority, dial, cfg.Tunnel.SenderOwner, logger)

	// Transport clients: process-wide pools, one per call class.
	httpClient := transport.NewHTTPClient(
		&http.Client{Timeout: cfg.Pipeline.RetrievalTimeout},
		&http.Client{Timeout: cfg.Pipeline.GenerationTimeout},
	)
	tunnelTransport := transport.NewTunnelTransport(tunnelClient)
	dataSources := transport.NewDataSourceClient(httpClient, tunnelTransport, logger)
	model := transport.NewModelClient(httpClient, tunnelTransport)

	// Pipeline services.
	retrievalSvc := retrieval.NewService(dataSources, cfg.Pipeline.RetrievalTimeout, logger)
	generationSvc := generation.NewService(model, cfg.Pipeline.GenerationTimeout)
	orch := orchestrator.New(retrievalSvc, generationSvc, cfg.Pipeline.TotalTimeout, "", logger, tracing.Tracer())

	// Reserved-queue broker.
	broker := mq.NewBroker(cfg.Tunnel.ReservedQueueMin, cfg.Tunnel.ReservedQueueMax)

	mux := http.NewServeMux()
	api.NewHandler(orch, cfg.Pipeline, logger).RegisterRoutes(mux)
	api.NewTokenHandler(authority, logger).RegisterRoutes(mux)
	mq.NewHandler(broker, authority, logger).RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = api.CORSMiddleware(cfg.Server.CORSOrigins)(handler)
	handler = observability.RequestIDMiddleware(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if err := tunnelClient.Close(); err != nil {
		logger.Warn("tunnel close error", "error", err)
	}
	httpClient.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", "error", err)
	}

	logger.Info("stopped")
}
