// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httpapi wires the downstream OAuth server, the XRPC forwarder,
// and the metadata documents onto one router.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/downstream"
	"github.com/espeon/oatproxy/pkg/oatproxy/forwarder"
)

// New builds the top-level router: metadata documents, the Downstream
// OAuth Server's five endpoints, the JWKS document, and the XRPC Forwarder
// mounted under /xrpc/.
func New(cfg *config.Config, srv *downstream.Server, fwd *forwarder.Forwarder, keys SigningKeySource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/.well-known/oauth-authorization-server", handleAuthorizationServerMetadata(cfg))
	r.Get("/.well-known/oauth-protected-resource", handleProtectedResourceMetadata(cfg))
	r.Get("/oauth-client-metadata.json", handleClientMetadata(cfg))
	r.Get("/oauth/jwks.json", handleJWKS(keys))

	r.Post("/oauth/par", srv.HandlePAR)
	r.Get("/oauth/authorize", srv.HandleAuthorize)
	r.Get("/oauth/return", srv.HandleCallback)
	r.Post("/oauth/token", srv.HandleToken)
	r.Post("/oauth/revoke", srv.HandleRevoke)

	r.Handle("/xrpc/*", fwd)

	return r
}
