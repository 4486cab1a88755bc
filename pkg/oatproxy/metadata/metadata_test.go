// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		PublicURL:      "https://proxy.example.com",
		DefaultPDSHost: "https://bsky.social",
		Scope:          "atproto transition:generic",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestBuildAuthorizationServer(t *testing.T) {
	cfg := testConfig()
	doc := BuildAuthorizationServer(cfg)

	assert.Equal(t, cfg.PublicURL, doc.Issuer)
	assert.Equal(t, "https://proxy.example.com/oauth/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://proxy.example.com/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, "https://proxy.example.com/oauth/par", doc.PushedAuthorizationRequestEndpoint)
	assert.Equal(t, "https://proxy.example.com/oauth/revoke", doc.RevocationEndpoint)
	assert.Equal(t, "https://proxy.example.com/oauth/jwks.json", doc.JwksURI)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"ES256"}, doc.DPoPSigningAlgValuesSupported)
	assert.True(t, doc.RequirePushedAuthorizationRequests)
	assert.Equal(t, []string{"atproto", "transition:generic"}, doc.ScopesSupported)
}

func TestBuildProtectedResource(t *testing.T) {
	cfg := testConfig()
	doc := BuildProtectedResource(cfg)

	assert.Equal(t, cfg.PublicURL, doc.Resource)
	assert.Equal(t, []string{cfg.PublicURL}, doc.AuthorizationServers)
	assert.Contains(t, doc.BearerMethodsSupported, "header")
}

func TestBuildClientMetadata(t *testing.T) {
	cfg := testConfig()
	doc := BuildClientMetadata(cfg)

	assert.Equal(t, "https://proxy.example.com/oauth-client-metadata.json", doc.ClientID)
	assert.Equal(t, []string{"https://proxy.example.com/oauth/return"}, doc.RedirectURIs)
	assert.True(t, doc.DPoPBoundAccessTokens)
	assert.Equal(t, "atproto transition:generic", doc.Scope)
}

func TestBuildJWKS(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := cryptoutil.PublicJWK(&priv.PublicKey, "proxy-signing-key")

	doc := BuildJWKS(pub)

	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "proxy-signing-key", doc.Keys[0].KeyID)
	assert.Equal(t, string(jose.ES256), doc.Keys[0].Algorithm)
	assert.Equal(t, "sig", doc.Keys[0].Use)
	assert.True(t, doc.Keys[0].IsPublic())
}

func TestSplitScope(t *testing.T) {
	assert.Nil(t, splitScope(""))
	assert.Equal(t, []string{"atproto"}, splitScope("atproto"))
	assert.Equal(t, []string{"atproto", "transition:generic"}, splitScope("atproto transition:generic"))
	assert.Equal(t, []string{"a", "b"}, splitScope("  a  b  "))
}
