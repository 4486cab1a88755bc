// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/downstream"
	"github.com/espeon/oatproxy/pkg/oatproxy/forwarder"
	"github.com/espeon/oatproxy/pkg/oatproxy/identity"
	"github.com/espeon/oatproxy/pkg/oatproxy/metrics"
	"github.com/espeon/oatproxy/pkg/oatproxy/nonce"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
	"github.com/espeon/oatproxy/pkg/oatproxy/upstream"
)

func TestRouter_MetadataEndpoints(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		PublicURL:      "https://proxy.example.com",
		DefaultPDSHost: "https://bsky.social",
	}
	cfg.ApplyDefaults()

	secret, err := st.GetOrCreateHMACSecret(context.Background())
	require.NoError(t, err)
	nonceSvc, err := nonce.NewService(secret)
	require.NoError(t, err)
	verifier := dpop.NewVerifier(st, nonceSvc)

	httpClient := http.DefaultClient
	ups := upstream.New(upstream.ClientConfig{
		ClientID:    cfg.ClientMetadataURL(),
		RedirectURI: cfg.CallbackURL(),
		Scope:       cfg.Scope,
	}, httpClient, st)

	reg := metrics.New(prometheus.NewRegistry())
	resolver := identity.NewHTTPResolver(httpClient, cfg.DefaultPDSHost)

	srv := downstream.New(cfg, st, ups, resolver, nonceSvc, verifier, reg)
	fwd := forwarder.New(cfg, st, ups, verifier, httpClient, reg)
	router := New(cfg, srv, fwd, st)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
		"/oauth-client-metadata.json",
		"/oauth/jwks.json",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	}
}

func TestRouter_JWKSPublishesSigningKey(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		PublicURL:      "https://proxy.example.com",
		DefaultPDSHost: "https://bsky.social",
	}
	cfg.ApplyDefaults()

	secret, err := st.GetOrCreateHMACSecret(context.Background())
	require.NoError(t, err)
	nonceSvc, err := nonce.NewService(secret)
	require.NoError(t, err)
	verifier := dpop.NewVerifier(st, nonceSvc)

	httpClient := http.DefaultClient
	ups := upstream.New(upstream.ClientConfig{
		ClientID:    cfg.ClientMetadataURL(),
		RedirectURI: cfg.CallbackURL(),
		Scope:       cfg.Scope,
	}, httpClient, st)

	reg := metrics.New(prometheus.NewRegistry())
	resolver := identity.NewHTTPResolver(httpClient, cfg.DefaultPDSHost)

	srv := downstream.New(cfg, st, ups, resolver, nonceSvc, verifier, reg)
	fwd := forwarder.New(cfg, st, ups, verifier, httpClient, reg)
	router := New(cfg, srv, fwd, st)

	_, err = st.GetOrCreateSigningKey(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oauth/jwks.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Keys []struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			Kid string `json:"kid"`
			X   string `json:"x"`
			Y   string `json:"y"`
		} `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Keys, 1)
	require.Equal(t, "EC", body.Keys[0].Kty)
	require.Equal(t, "P-256", body.Keys[0].Crv)
	require.Equal(t, "proxy-signing-key", body.Keys[0].Kid)
	require.NotEmpty(t, body.Keys[0].X)
	require.NotEmpty(t, body.Keys[0].Y)
}

func TestRouter_XRPCMountedAndRequiresAuth(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		PublicURL:      "https://proxy.example.com",
		DefaultPDSHost: "https://bsky.social",
	}
	cfg.ApplyDefaults()

	secret, err := st.GetOrCreateHMACSecret(context.Background())
	require.NoError(t, err)
	nonceSvc, err := nonce.NewService(secret)
	require.NoError(t, err)
	verifier := dpop.NewVerifier(st, nonceSvc)

	httpClient := http.DefaultClient
	ups := upstream.New(upstream.ClientConfig{
		ClientID:    cfg.ClientMetadataURL(),
		RedirectURI: cfg.CallbackURL(),
		Scope:       cfg.Scope,
	}, httpClient, st)

	reg := metrics.New(prometheus.NewRegistry())
	resolver := identity.NewHTTPResolver(httpClient, cfg.DefaultPDSHost)

	srv := downstream.New(cfg, st, ups, resolver, nonceSvc, verifier, reg)
	fwd := forwarder.New(cfg, st, ups, verifier, httpClient, reg)
	router := New(cfg, srv, fwd, st)

	req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.test", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
