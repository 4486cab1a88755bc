// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package forwarder implements the XRPC proxy path: it authenticates a
// downstream DPoP-bound access token, rebuilds a fresh DPoP proof for the
// upstream PDS leg, and streams the response back untouched apart from
// the header allow-list.
package forwarder

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/networking"
	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/jwtcodec"
	"github.com/espeon/oatproxy/pkg/oatproxy/metrics"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
	"github.com/espeon/oatproxy/pkg/oatproxy/upstream"
)

// SigningKeySource loads the proxy's own signing key, so the forwarder can
// verify access tokens without depending on store.Store directly.
type SigningKeySource interface {
	GetOrCreateSigningKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

// Forwarder proxies /xrpc requests to the session's PDS.
type Forwarder struct {
	cfg      *config.Config
	store    store.Store
	keys     SigningKeySource
	upstream *upstream.Client
	verifier *dpop.Verifier
	http     networking.HTTPClient
	metrics  *metrics.Registry
	nowFn    func() time.Time
}

// New builds a Forwarder.
func New(
	cfg *config.Config,
	st store.Store,
	upstreamClient *upstream.Client,
	verifier *dpop.Verifier,
	httpClient networking.HTTPClient,
	reg *metrics.Registry,
) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		store:    st,
		keys:     st,
		upstream: upstreamClient,
		verifier: verifier,
		http:     httpClient,
		metrics:  reg,
		nowFn:    time.Now,
	}
}

// ServeHTTP handles any method on /xrpc/<path>.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := f.nowFn()
	ctx := r.Context()

	claims, oerr := f.authenticate(ctx, r)
	if oerr != nil {
		f.metrics.ForwardRequests.WithLabelValues("auth_rejected").Inc()
		oerr.WriteJSON(w)
		return
	}

	did := claims.Subject
	sessionID, err := f.store.GetActiveSession(ctx, did)
	if err != nil {
		f.metrics.ForwardRequests.WithLabelValues("auth_rejected").Inc()
		oaterrors.Wrap(oaterrors.CodeInvalidToken, "no active session for this subject", err).WriteJSON(w)
		return
	}
	sess, err := f.store.GetUpstreamSession(ctx, did, sessionID)
	if err != nil {
		f.metrics.ForwardRequests.WithLabelValues("auth_rejected").Inc()
		oaterrors.Wrap(oaterrors.CodeInvalidToken, "upstream session not found", err).WriteJSON(w)
		return
	}

	freshSess, upstreamKey, oerr := f.ensureFreshUpstream(ctx, sess)
	if oerr != nil {
		f.metrics.ForwardRequests.WithLabelValues("auth_rejected").Inc()
		oerr.WriteJSON(w)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		f.metrics.ForwardRequests.WithLabelValues("error").Inc()
		oaterrors.Wrap(oaterrors.CodeServerError, "read request body", err).WriteJSON(w)
		return
	}

	upstreamURL := strings.TrimSuffix(freshSess.PDSHost, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	resp, err := upstream.DoWithNonceRetry(ctx, f.http, f.store, sessionID, func(nonce string) (*http.Request, error) {
		return f.buildUpstreamRequest(r, upstreamKey, upstreamURL, freshSess.AccessToken, bodyBytes, nonce)
	}, f.metrics.ForwardRetries.Inc)
	if err != nil {
		f.metrics.ForwardRequests.WithLabelValues("error").Inc()
		logger.Warnw("xrpc forward failed", "did", did, "sessionID", sessionID, "error", err)
		oaterrors.Wrap(oaterrors.CodeServerError, "forward request to pds", err).WriteJSON(w)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		f.metrics.ForwardRequests.WithLabelValues("upstream_401").Inc()
	} else {
		f.metrics.ForwardRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	}
	f.metrics.ForwardLatency.Observe(f.nowFn().Sub(start).Seconds())

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warnw("xrpc forward: failed streaming response body", "error", err)
	}
}

// authenticate validates the downstream access token and its DPoP
// binding, returning the token's claims.
func (f *Forwarder) authenticate(ctx context.Context, r *http.Request) (*jwtcodec.AccessTokenClaims, *oaterrors.Error) {
	authHeader := r.Header.Get("Authorization")
	accessToken, ok := strings.CutPrefix(authHeader, "DPoP ")
	if !ok || accessToken == "" {
		return nil, oaterrors.New(oaterrors.CodeInvalidToken, "missing DPoP authorization header")
	}
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return nil, oaterrors.New(oaterrors.CodeInvalidDPoPProof, "missing DPoP proof header")
	}

	signingKey, err := f.keys.GetOrCreateSigningKey(ctx)
	if err != nil {
		return nil, oaterrors.Wrap(oaterrors.CodeServerError, "load signing key", err)
	}
	claims, err := jwtcodec.ParseAccessToken(accessToken, &signingKey.PublicKey)
	if err != nil {
		return nil, oaterrors.Wrap(oaterrors.CodeInvalidToken, "access token signature invalid", err)
	}
	now := f.nowFn()
	if claims.Issuer != f.cfg.PublicURL || claims.Audience != f.cfg.PublicURL {
		return nil, oaterrors.New(oaterrors.CodeInvalidToken, "access token issuer or audience mismatch")
	}
	if now.After(time.Unix(claims.ExpiresAt, 0)) {
		return nil, oaterrors.New(oaterrors.CodeInvalidToken, "access token expired")
	}

	expectedURL := f.requestURL(r)
	result, derr := f.verifier.Verify(ctx, proof, r.Method, expectedURL, dpop.PurposeXRPC, false)
	if derr != nil {
		f.metrics.DPoPRejections.WithLabelValues(errKind(derr)).Inc()
		return nil, oaterrors.New(oaterrors.CodeInvalidDPoPProof, derr.Error())
	}
	if result.JKT != claims.Cnf.JKT {
		return nil, oaterrors.New(oaterrors.CodeInvalidToken, "dpop binding mismatch")
	}
	return claims, nil
}

// ensureFreshUpstream mirrors downstream.Server's helper of the same
// name: it ensures the cached upstream tokens are fresh, persists the
// refresh if one happened, and revokes the session if the refresh token
// itself has died.
func (f *Forwarder) ensureFreshUpstream(ctx context.Context, sess *store.UpstreamSession) (*store.UpstreamSession, *ecdsa.PrivateKey, *oaterrors.Error) {
	refreshed, key, err := f.upstream.GetFreshTokens(ctx, sess)
	if err != nil {
		if err == upstream.ErrSessionExpired {
			f.metrics.UpstreamRefresh.WithLabelValues("expired").Inc()
			if revokeErr := f.store.RevokeSession(ctx, sess.DID, sess.SessionID); revokeErr != nil {
				logger.Warnw("failed to revoke dead upstream session", "did", sess.DID, "sessionID", sess.SessionID, "error", revokeErr)
			}
			return nil, nil, oaterrors.Wrap(oaterrors.CodeInvalidToken, "upstream session expired", err)
		}
		f.metrics.UpstreamRefresh.WithLabelValues("error").Inc()
		return nil, nil, oaterrors.Wrap(oaterrors.CodeServerError, "refresh upstream session", err)
	}
	if refreshed != sess {
		f.metrics.UpstreamRefresh.WithLabelValues("refreshed").Inc()
	}
	if err := f.store.PutUpstreamSession(ctx, refreshed); err != nil {
		return nil, nil, oaterrors.Wrap(oaterrors.CodeServerError, "persist refreshed upstream session", err)
	}
	return refreshed, key, nil
}

// buildUpstreamRequest builds one attempt of the forwarded request, signed
// with a fresh DPoP proof bound to (method, upstreamURL). htu names the
// upstream URL, not the downstream one the client addressed.
func (f *Forwarder) buildUpstreamRequest(
	r *http.Request,
	upstreamKey *ecdsa.PrivateKey,
	upstreamURL, upstreamAccessToken string,
	body []byte,
	nonceValue string,
) (*http.Request, error) {
	req, err := http.NewRequest(r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req.Header, r.Header)

	proof, err := dpop.NewProof(upstreamKey, r.Method, upstreamURL, dpop.NewProofOptions{
		Nonce: nonceValue,
		Ath:   dpop.Ath(upstreamAccessToken),
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "DPoP "+upstreamAccessToken)
	req.Header.Set("DPoP", proof)
	return req, nil
}

// requestURL reconstructs the absolute URL of r as the client addressed
// it, for use as the DPoP proof's expected htu, per the same
// scheme/host-from-config rationale as downstream.Server.requestURL.
func (f *Forwarder) requestURL(r *http.Request) string {
	return strings.TrimSuffix(f.cfg.PublicURL, "/") + r.URL.Path
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func errKind(err error) string {
	if derr, ok := err.(*dpop.Error); ok {
		return string(derr.Kind)
	}
	return "unknown"
}
