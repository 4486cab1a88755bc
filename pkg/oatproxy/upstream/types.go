// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the proxy's OAuth client role against PDS
// hosts: it drives PAR, the authorize-URL redirect, the callback code
// exchange, and silent refresh, always signing its own DPoP proofs with
// the per-session key stored alongside the session (pkg/oatproxy/store).
package upstream

import (
	"errors"
	"time"
)

// RefreshSkew is the window before expiry within which GetFreshTokens
// proactively refreshes the upstream access token.
const RefreshSkew = 5 * time.Minute

// ErrSessionExpired is surfaced when the upstream refresh token itself has
// been rejected (invalid_grant): the session cannot be revived and must be
// treated as dead by every caller.
var ErrSessionExpired = errors.New("upstream: session expired")

// ErrDIDMismatch is returned by ExchangeCode when the PDS's token response
// names a DID different from the one hinted at authorize time.
var ErrDIDMismatch = errors.New("upstream: did mismatch between hint and token response")

// Metadata is the subset of RFC 8414 authorization-server metadata this
// client depends on, fetched from a PDS's
// /.well-known/oauth-authorization-server document.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	PushedAuthorizationRequestURI string   `json:"pushed_authorization_request_endpoint"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

// tokenResponse is the shape of a PDS token endpoint response (authorization_code
// and refresh_token grants share it).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// parResponse is the shape of a PDS PAR endpoint response.
type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
	Error      string `json:"error"`
	ErrorDesc  string `json:"error_description"`
}
