// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the oatproxy daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/networking"
	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/downstream"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/forwarder"
	"github.com/espeon/oatproxy/pkg/oatproxy/httpapi"
	"github.com/espeon/oatproxy/pkg/oatproxy/identity"
	"github.com/espeon/oatproxy/pkg/oatproxy/metrics"
	"github.com/espeon/oatproxy/pkg/oatproxy/nonce"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
	"github.com/espeon/oatproxy/pkg/oatproxy/upstream"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func main() {
	logger.Initialize()

	configPath := flag.String("config", "", "path to a config file (YAML/JSON/TOML); env vars (OATPROXY_*) always take precedence")
	address := flag.String("address", ":8080", "address to listen on")
	flag.Parse()

	if err := run(*configPath, *address); err != nil {
		logger.Errorw("oatproxyd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, address string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnw("failed to close store cleanly", "error", err)
		}
	}()

	httpClient, err := networking.NewHttpClientBuilder().
		WithPrivateIPs(cfg.AllowPrivateUpstreamHosts).
		Build()
	if err != nil {
		return fmt.Errorf("build upstream http client: %w", err)
	}

	hmacSecret, err := st.GetOrCreateHMACSecret(context.Background())
	if err != nil {
		return fmt.Errorf("load hmac secret: %w", err)
	}
	nonceSvc, err := nonce.NewService(hmacSecret)
	if err != nil {
		return fmt.Errorf("build nonce service: %w", err)
	}
	verifier := dpop.NewVerifier(st, nonceSvc)

	resolver := identity.NewHTTPResolver(httpClient, cfg.DefaultPDSHost)

	upstreamClient := upstream.New(upstream.ClientConfig{
		ClientID:    cfg.ClientMetadataURL(),
		RedirectURI: cfg.CallbackURL(),
		Scope:       cfg.Scope,
	}, httpClient, st)

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	downstreamServer := downstream.New(cfg, st, upstreamClient, resolver, nonceSvc, verifier, metricsRegistry)
	xrpcForwarder := forwarder.New(cfg, st, upstreamClient, verifier, httpClient, metricsRegistry)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(cfg, downstreamServer, xrpcForwarder, st))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infow("oatproxyd listening", "address", address, "public_url", cfg.PublicURL, "storage_backend", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server stopped with error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down oatproxyd")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("oatproxyd shutdown complete")
	return nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StorageBackend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		return store.NewRedisStore(client, cfg.RedisKeyPrefix), nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}
