// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metadata builds the proxy's discovery documents: its own
// authorization-server metadata (RFC 8414), its protected-resource
// metadata (RFC 9728), its JWKS, and the client-metadata document it
// presents to upstream PDSes when identifying itself as a confidential
// client.
package metadata

import (
	"github.com/go-jose/go-jose/v4"

	"github.com/espeon/oatproxy/pkg/oatproxy/config"
)

// AuthorizationServer is served at
// /.well-known/oauth-authorization-server.
type AuthorizationServer struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	JwksURI                            string   `json:"jwks_uri"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
	RequirePushedAuthorizationRequests bool     `json:"require_pushed_authorization_requests"`
	ScopesSupported                    []string `json:"scopes_supported"`
}

// BuildAuthorizationServer builds this proxy's own AS metadata document.
func BuildAuthorizationServer(cfg *config.Config) *AuthorizationServer {
	return &AuthorizationServer{
		Issuer:                             cfg.PublicURL,
		AuthorizationEndpoint:              cfg.AuthorizeURL(),
		TokenEndpoint:                      cfg.TokenURL(),
		PushedAuthorizationRequestEndpoint: cfg.ParURL(),
		RevocationEndpoint:                 cfg.RevokeURL(),
		JwksURI:                            cfg.JwksURL(),
		ResponseTypesSupported:             []string{"code"},
		GrantTypesSupported:                []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:      []string{"S256"},
		TokenEndpointAuthMethodsSupported:  []string{"none"},
		DPoPSigningAlgValuesSupported:      []string{"ES256"},
		RequirePushedAuthorizationRequests: true,
		ScopesSupported:                    splitScope(cfg.Scope),
	}
}

// JWKS is served at /oauth/jwks.json: the public half of the proxy
// signing key, so a relying party can verify the downstream access tokens
// the proxy issues without a prior out-of-band exchange.
type JWKS struct {
	Keys []jose.JSONWebKey `json:"keys"`
}

// BuildJWKS wraps pub as the single-entry key set published at the proxy's
// jwks_uri.
func BuildJWKS(pub jose.JSONWebKey) *JWKS {
	return &JWKS{Keys: []jose.JSONWebKey{pub}}
}

// ProtectedResource is served at /.well-known/oauth-protected-resource.
// It tells downstream clients which authorization server protects the
// proxy's own /xrpc endpoint.
type ProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// BuildProtectedResource builds the protected-resource metadata document.
func BuildProtectedResource(cfg *config.Config) *ProtectedResource {
	return &ProtectedResource{
		Resource:               cfg.PublicURL,
		AuthorizationServers:   []string{cfg.PublicURL},
		BearerMethodsSupported: []string{"header"},
	}
}

// ClientMetadata is the document the proxy presents to upstream PDSes
// identifying itself as a confidential client, per ATProto OAuth's
// client_id-as-URL model.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
	ApplicationType         string   `json:"application_type"`
}

// BuildClientMetadata builds this proxy's upstream client-metadata
// document, served at /oauth-client-metadata.json.
func BuildClientMetadata(cfg *config.Config) *ClientMetadata {
	return &ClientMetadata{
		ClientID:                cfg.ClientMetadataURL(),
		ClientName:              "oatproxy",
		ClientURI:               cfg.PublicURL,
		RedirectURIs:            []string{cfg.CallbackURL()},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   cfg.Scope,
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
		ApplicationType:         "web",
	}
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}
