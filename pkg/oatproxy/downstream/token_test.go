// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
)

// seedActiveSession stores a fresh upstream session and its DPoP key, so
// token-endpoint tests can exercise the grant handlers without driving the
// full authorize/callback flow first.
func seedActiveSession(t *testing.T, s *Server, did, sessionID string) {
	t.Helper()
	ctx := context.Background()

	upKey, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)
	der, err := cryptoutil.MarshalPrivateKey(upKey)
	require.NoError(t, err)
	require.NoError(t, s.store.PutUpstreamKey(ctx, &store.UpstreamKey{SessionID: sessionID, PrivateDER: der}))

	require.NoError(t, s.store.PutUpstreamSession(ctx, &store.UpstreamSession{
		DID:         did,
		SessionID:   sessionID,
		AccessToken: "upstream-access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scope:       "atproto",
		PDSHost:     "https://pds.example",
	}))
	require.NoError(t, s.store.UpdateActiveSession(ctx, did, sessionID))
}

// postToken sends a token request signed by key with a freshly minted
// nonce and returns the recorder.
func postToken(t *testing.T, s *Server, key *ecdsa.PrivateKey, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	jkt, err := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	require.NoError(t, err)

	tokenURL := "https://proxy.example.com/oauth/token"
	freshNonce := mustMintNonce(t, s, jkt, dpop.PurposeToken, tokenURL)

	req := httptest.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signedProof(t, key, http.MethodPost, tokenURL, freshNonce))

	rec := httptest.NewRecorder()
	s.HandleToken(rec, req)
	return rec
}

func TestRefreshTokenGrant_RotatesToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	did, sessionID := "did:plc:testuser", "sess-refresh"
	seedActiveSession(t, s, did, sessionID)

	ctx := context.Background()
	require.NoError(t, s.store.StoreRefreshToken(ctx, "r0", &store.RefreshTokenRecord{DID: did, SessionID: sessionID}))

	key, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)

	rec := postToken(t, s, key, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"r0"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tok))
	assert.Equal(t, did, tok.Sub)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.NotEqual(t, "r0", tok.RefreshToken)
}

func TestRefreshTokenReuse_RevokesSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	did, sessionID := "did:plc:testuser", "sess-reuse"
	seedActiveSession(t, s, did, sessionID)

	ctx := context.Background()
	require.NoError(t, s.store.StoreRefreshToken(ctx, "r0", &store.RefreshTokenRecord{DID: did, SessionID: sessionID}))

	key, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)

	first := postToken(t, s, key, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"r0"},
	})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	// Replaying the rotated token fails the grant and kills the whole
	// session, not just the request.
	second := postToken(t, s, key, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"r0"},
	})
	require.Equal(t, http.StatusBadRequest, second.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, "invalid_grant", body["error"])

	_, err = s.store.GetActiveSession(ctx, did)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.store.GetUpstreamSession(ctx, did, sessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthorizationCodeGrant_RejectsBadVerifierAndBurnsCode(t *testing.T) {
	s, _, _ := newTestServer(t)
	did, sessionID := "did:plc:testuser", "sess-pkce"
	seedActiveSession(t, s, did, sessionID)

	key, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)
	jkt, err := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	require.NoError(t, err)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	ctx := context.Background()
	require.NoError(t, s.store.StoreAuthCode(ctx, "code-1", &store.AuthCodeRecord{
		DID:                 did,
		SessionID:           sessionID,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       cryptoutil.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: cryptoutil.PKCEChallengeMethodS256,
		JKT:                 jkt,
	}))

	rec := postToken(t, s, key, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://client.example.com/callback"},
		"code_verifier": {"not-the-right-verifier-at-all-aaaaaaaaaaaaa"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_grant", body["error"])

	// The code was consumed by the failed attempt; retrying with the
	// correct verifier cannot revive it.
	retry := postToken(t, s, key, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://client.example.com/callback"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusBadRequest, retry.Code)
}

func TestToken_RejectsReplayedProof(t *testing.T) {
	s, _, _ := newTestServer(t)

	key, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)
	jkt, err := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	require.NoError(t, err)

	tokenURL := "https://proxy.example.com/oauth/token"
	freshNonce := mustMintNonce(t, s, jkt, dpop.PurposeToken, tokenURL)
	proof := signedProof(t, key, http.MethodPost, tokenURL, freshNonce)

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"no-such-code"},
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)
		rec := httptest.NewRecorder()
		s.HandleToken(rec, req)
		return rec
	}

	// First use: the proof itself is accepted (the grant fails for
	// unrelated reasons).
	first := send()
	var firstBody map[string]string
	require.NoError(t, json.NewDecoder(first.Body).Decode(&firstBody))
	assert.Equal(t, "invalid_grant", firstBody["error"])

	// Second use of the identical proof is a jti replay.
	second := send()
	require.Equal(t, http.StatusBadRequest, second.Code)
	var secondBody map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&secondBody))
	assert.Equal(t, "invalid_dpop_proof", secondBody["error"])
	assert.Contains(t, secondBody["error_description"], "replay")
}

func TestHandleRevoke_DeletesSessionState(t *testing.T) {
	s, _, _ := newTestServer(t)
	did, sessionID := "did:plc:testuser", "sess-revoke"
	seedActiveSession(t, s, did, sessionID)

	ctx := context.Background()
	require.NoError(t, s.store.StoreRefreshToken(ctx, "r-revoke", &store.RefreshTokenRecord{DID: did, SessionID: sessionID}))

	key, err := cryptoutil.GenerateP256Key()
	require.NoError(t, err)
	jkt, err := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	require.NoError(t, err)

	revokeURL := "https://proxy.example.com/oauth/revoke"
	freshNonce := mustMintNonce(t, s, jkt, dpop.PurposeToken, revokeURL)

	form := url.Values{"token": {"r-revoke"}}
	req := httptest.NewRequest(http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signedProof(t, key, http.MethodPost, revokeURL, freshNonce))

	rec := httptest.NewRecorder()
	s.HandleRevoke(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = s.store.GetActiveSession(ctx, did)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.store.GetUpstreamSession(ctx, did, sessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.store.GetUpstreamKey(ctx, sessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
