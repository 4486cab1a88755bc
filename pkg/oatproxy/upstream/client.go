// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/networking"
	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
)

// ClientConfig is the proxy's identity as a confidential client, shared
// across every PDS it talks to.
type ClientConfig struct {
	// ClientID is the proxy's own client-metadata document URL, e.g.
	// "https://proxy.example.com/oauth-client-metadata.json".
	ClientID string
	// RedirectURI is the proxy's own callback, e.g.
	// "https://proxy.example.com/oauth/return".
	RedirectURI string
	// Scope is the space-separated scope list requested from every PDS.
	Scope string
}

// Keys is the narrow storage surface the upstream client needs for
// per-session DPoP keys and their cached nonce.
type Keys interface {
	PutUpstreamKey(ctx context.Context, key *store.UpstreamKey) error
	GetUpstreamKey(ctx context.Context, sessionID string) (*store.UpstreamKey, error)
	NonceCache
}

// Client drives the OAuth flows the proxy runs against upstream PDSes.
type Client struct {
	cfg     ClientConfig
	http    networking.HTTPClient
	keys    Keys
	nowFn   func() time.Time
	mdMu    sync.RWMutex
	mdByPDS map[string]*Metadata
}

// New builds a Client. httpClient should be the SSRF-guarded client from
// networking.NewHttpClientBuilder, since every call dials a PDS host
// resolved from user-supplied identifiers.
func New(cfg ClientConfig, httpClient networking.HTTPClient, keys Keys) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		keys:    keys,
		nowFn:   time.Now,
		mdByPDS: make(map[string]*Metadata),
	}
}

// Discover fetches and caches a PDS's authorization-server metadata.
func (c *Client) Discover(ctx context.Context, pdsHost string) (*Metadata, error) {
	c.mdMu.RLock()
	if md, ok := c.mdByPDS[pdsHost]; ok {
		c.mdMu.RUnlock()
		return md, nil
	}
	c.mdMu.RUnlock()

	metaURL := strings.TrimSuffix(pdsHost, "/") + "/.well-known/oauth-authorization-server"
	result, err := networking.FetchJSON[Metadata](ctx, c.http, metaURL)
	if err != nil {
		return nil, fmt.Errorf("discover pds metadata at %s: %w", metaURL, err)
	}

	c.mdMu.Lock()
	c.mdByPDS[pdsHost] = &result.Data
	c.mdMu.Unlock()
	return &result.Data, nil
}

// NewSessionKey generates and stores a fresh per-session DPoP keypair.
func (c *Client) NewSessionKey(ctx context.Context, sessionID string) (*ecdsa.PrivateKey, error) {
	key, err := cryptoutil.GenerateP256Key()
	if err != nil {
		return nil, fmt.Errorf("generate upstream dpop key: %w", err)
	}
	der, err := cryptoutil.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream dpop key: %w", err)
	}
	jkt, err := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute upstream dpop jkt: %w", err)
	}
	if err := c.keys.PutUpstreamKey(ctx, &store.UpstreamKey{
		SessionID:  sessionID,
		PrivateDER: der,
		JKT:        jkt,
	}); err != nil {
		return nil, fmt.Errorf("store upstream dpop key: %w", err)
	}
	return key, nil
}

// PushAuthorizationRequest performs an upstream PAR against the PDS and
// returns the request_uri to pass through to the authorize redirect.
func (c *Client) PushAuthorizationRequest(
	ctx context.Context,
	md *Metadata,
	sessionID, state, loginHintDID string,
) (string, error) {
	key, err := c.sessionKey(ctx, sessionID)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {c.cfg.Scope},
		"state":         {state},
	}
	if loginHintDID != "" {
		form.Set("login_hint", loginHintDID)
	}

	resp, err := DoWithNonceRetry(ctx, c.http, c.keys, sessionID, func(nonce string) (*http.Request, error) {
		return c.signedFormRequest(key, http.MethodPost, md.PushedAuthorizationRequestURI, form, "", nonce)
	})
	if err != nil {
		return "", fmt.Errorf("upstream par: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var par parResponse
	if err := json.NewDecoder(resp.Body).Decode(&par); err != nil {
		return "", fmt.Errorf("decode upstream par response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upstream par failed: %s: %s", par.Error, par.ErrorDesc)
	}
	return par.RequestURI, nil
}

// AuthorizeURL builds the redirect target for the browser.
func (c *Client) AuthorizeURL(md *Metadata, requestURI, state string) string {
	u, _ := url.Parse(md.AuthorizationEndpoint)
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("request_uri", requestURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeCode performs the authorization_code token exchange against the
// PDS. hintedDID, if non-empty, must match the token response's sub
// claim.
func (c *Client) ExchangeCode(
	ctx context.Context,
	md *Metadata,
	sessionID, code, hintedDID string,
) (*store.UpstreamSession, error) {
	key, err := c.sessionKey(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
		"client_id":    {c.cfg.ClientID},
	}

	resp, err := DoWithNonceRetry(ctx, c.http, c.keys, sessionID, func(nonce string) (*http.Request, error) {
		return c.signedFormRequest(key, http.MethodPost, md.TokenEndpoint, form, dpop.Ath(code), nonce)
	})
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode upstream token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if tok.Error == "invalid_grant" {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("upstream token exchange failed: %s: %s", tok.Error, tok.ErrorDesc)
	}
	if hintedDID != "" && tok.Sub != "" && hintedDID != tok.Sub {
		return nil, ErrDIDMismatch
	}

	jkt, _ := cryptoutil.JKTFromPublicKey(&key.PublicKey)
	return &store.UpstreamSession{
		DID:          tok.Sub,
		SessionID:    sessionID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    c.nowFn().Add(time.Duration(tok.ExpiresIn) * time.Second),
		Scope:        tok.Scope,
		PDSHost:      md.Issuer,
		JKT:          jkt,
	}, nil
}

// GetFreshTokens returns the session with a usable access token plus its
// DPoP key, refreshing the session whenever its access token is within
// RefreshSkew of expiry.
func (c *Client) GetFreshTokens(ctx context.Context, sess *store.UpstreamSession) (*store.UpstreamSession, *ecdsa.PrivateKey, error) {
	key, err := c.sessionKey(ctx, sess.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if !sess.IsExpired(RefreshSkew) {
		return sess, key, nil
	}

	md, err := c.Discover(ctx, sess.PDSHost)
	if err != nil {
		return nil, nil, fmt.Errorf("discover pds for refresh: %w", err)
	}

	refreshed, err := c.refresh(ctx, md, sess, key)
	if err != nil {
		return nil, nil, err
	}
	return refreshed, key, nil
}

func (c *Client) refresh(ctx context.Context, md *Metadata, sess *store.UpstreamSession, key *ecdsa.PrivateKey) (*store.UpstreamSession, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
		"client_id":     {c.cfg.ClientID},
	}

	resp, err := DoWithNonceRetry(ctx, c.http, c.keys, sess.SessionID, func(nonce string) (*http.Request, error) {
		return c.signedFormRequest(key, http.MethodPost, md.TokenEndpoint, form, "", nonce)
	})
	if err != nil {
		return nil, fmt.Errorf("upstream refresh: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode upstream refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if tok.Error == "invalid_grant" {
			logger.Warnw("upstream refresh token rejected, session dead",
				"did", sess.DID, "sessionID", sess.SessionID)
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("upstream refresh failed: %s: %s", tok.Error, tok.ErrorDesc)
	}

	sess.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		sess.RefreshToken = tok.RefreshToken
	}
	sess.ExpiresAt = c.nowFn().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if tok.Scope != "" {
		sess.Scope = tok.Scope
	}
	return sess, nil
}

func (c *Client) sessionKey(ctx context.Context, sessionID string) (*ecdsa.PrivateKey, error) {
	rec, err := c.keys.GetUpstreamKey(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load upstream dpop key for session %s: %w", sessionID, err)
	}
	return rec.PrivateKey()
}

// signedFormRequest builds a form-urlencoded POST carrying a DPoP proof
// bound to (method, url), with the proof's ath claim set to ath when ath
// is non-empty.
func (c *Client) signedFormRequest(
	key *ecdsa.PrivateKey,
	method, rawURL string,
	form url.Values,
	ath, nonce string,
) (*http.Request, error) {
	req, err := http.NewRequest(method, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", networking.ContentTypeFormURLEncoded)

	proof, err := dpop.NewProof(key, method, rawURL, dpop.NewProofOptions{Nonce: nonce, Ath: ath})
	if err != nil {
		return nil, fmt.Errorf("sign upstream dpop proof: %w", err)
	}
	req.Header.Set("DPoP", proof)
	return req, nil
}
