// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/metadata"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
)

// SigningKeySource loads the proxy's own signing key, so the JWKS handler
// can publish its public half without depending on store.Store directly.
type SigningKeySource interface {
	GetOrCreateSigningKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

func writeMetadataJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("failed to encode metadata document", "error", err)
	}
}

func handleAuthorizationServerMetadata(cfg *config.Config) http.HandlerFunc {
	doc := metadata.BuildAuthorizationServer(cfg)
	return func(w http.ResponseWriter, _ *http.Request) {
		writeMetadataJSON(w, doc)
	}
}

func handleProtectedResourceMetadata(cfg *config.Config) http.HandlerFunc {
	doc := metadata.BuildProtectedResource(cfg)
	return func(w http.ResponseWriter, _ *http.Request) {
		writeMetadataJSON(w, doc)
	}
}

func handleClientMetadata(cfg *config.Config) http.HandlerFunc {
	doc := metadata.BuildClientMetadata(cfg)
	return func(w http.ResponseWriter, _ *http.Request) {
		writeMetadataJSON(w, doc)
	}
}

// handleJWKS publishes the proxy signing key's public half at jwks_uri,
// so relying parties can verify the downstream access tokens this proxy
// issues.
func handleJWKS(keys SigningKeySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signingKey, err := keys.GetOrCreateSigningKey(r.Context())
		if err != nil {
			oaterrors.Wrap(oaterrors.CodeServerError, "load signing key", err).WriteJSON(w)
			return
		}
		doc := metadata.BuildJWKS(cryptoutil.PublicJWK(&signingKey.PublicKey, "proxy-signing-key"))
		writeMetadataJSON(w, doc)
	}
}
