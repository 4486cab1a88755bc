// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package downstream implements the proxy's client-facing OAuth server:
// PAR, authorize, callback, token (both grants), and revocation. Every
// handler is a single fallible unit that maps whatever goes wrong into
// the oaterrors envelope before writing a response.
package downstream

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/config"
	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/identity"
	"github.com/espeon/oatproxy/pkg/oatproxy/jwtcodec"
	"github.com/espeon/oatproxy/pkg/oatproxy/metrics"
	"github.com/espeon/oatproxy/pkg/oatproxy/nonce"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
	"github.com/espeon/oatproxy/pkg/oatproxy/upstream"
)

// refreshTokenSize is the byte length of a refresh token before
// base64url encoding.
const refreshTokenSize = 64

// authCodeSize and proxyStateSize are the byte lengths of the other
// opaque tokens this server mints, chosen generously above any plausible
// brute-force budget.
const (
	authCodeSize   = 32
	proxyStateSize = 32
	parTokenSize   = 16
)

// Server wires every storage port, cryptographic primitive, and external
// collaborator the downstream OAuth state machine needs.
type Server struct {
	cfg      *config.Config
	store    store.Store
	upstream *upstream.Client
	identity identity.Resolver
	nonces   *nonce.Service
	verifier *dpop.Verifier
	metrics  *metrics.Registry
	nowFn    func() time.Time
}

// New builds a Server.
func New(
	cfg *config.Config,
	st store.Store,
	upstreamClient *upstream.Client,
	resolver identity.Resolver,
	nonces *nonce.Service,
	verifier *dpop.Verifier,
	reg *metrics.Registry,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		upstream: upstreamClient,
		identity: resolver,
		nonces:   nonces,
		verifier: verifier,
		metrics:  reg,
		nowFn:    time.Now,
	}
}

// signingKey loads the process-wide Proxy Signing Key.
func (s *Server) signingKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	key, err := s.store.GetOrCreateSigningKey(ctx)
	if err != nil {
		return nil, oaterrors.Wrap(oaterrors.CodeServerError, "load signing key", err)
	}
	return key, nil
}

// requireDPoP verifies the DPoP proof on r against (method, url, purpose).
// Every downstream endpoint that accepts a DPoP proof directly from a
// client (PAR, token, revoke) forces proof freshness via a nonce; the
// use_dpop_nonce rejection always carries a fresh DPoP-Nonce header so
// the client can retry immediately (RFC 9449 §8).
func (s *Server) requireDPoP(ctx context.Context, r *http.Request, expectedURL string, purpose dpop.Purpose) (*dpop.Result, *oaterrors.Error) {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return nil, oaterrors.New(oaterrors.CodeInvalidDPoPProof, "missing DPoP header")
	}

	result, err := s.verifier.Verify(ctx, proof, r.Method, expectedURL, purpose, true)
	if err == nil {
		return result, nil
	}

	derr, ok := err.(*dpop.Error)
	if !ok {
		return nil, oaterrors.Wrap(oaterrors.CodeServerError, "dpop verification failed", err)
	}

	if derr.Kind == dpop.KindNeedNonce {
		jkt := jktFromProofBestEffort(proof)
		freshNonce := s.nonces.Mint(jkt, purpose, expectedURL)
		s.metrics.DPoPRejections.WithLabelValues(string(derr.Kind)).Inc()
		return nil, oaterrors.New(oaterrors.CodeUseDPoPNonce, "a fresh DPoP proof nonce is required").WithNonce(freshNonce)
	}

	s.metrics.DPoPRejections.WithLabelValues(string(derr.Kind)).Inc()
	return nil, oaterrors.New(oaterrors.CodeInvalidDPoPProof, derr.Error())
}

// jktFromProofBestEffort recovers the JKT of an otherwise-invalid proof so
// a fresh nonce can still be scoped to the right key; the nonce service's
// HMAC makes a wrong JKT merely ineffective, never unsafe, so a decode
// failure here just falls back to an unscoped nonce.
func jktFromProofBestEffort(proof string) string {
	decoded, err := jwtcodec.ParseDPoPProof(proof)
	if err != nil {
		return ""
	}
	jkt, err := cryptoutil.JKT(decoded.JWK)
	if err != nil {
		return ""
	}
	return jkt
}

// randomToken returns n cryptographically random bytes, base64url encoded.
func randomToken(n int) (string, error) {
	b, err := cryptoutil.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return cryptoutil.Base64URLEncode(b), nil
}

// newSessionID mints an opaque upstream session identifier.
func newSessionID() string {
	return uuid.NewString()
}

// mintAccessToken signs a downstream access token bound to jkt for did.
func (s *Server) mintAccessToken(ctx context.Context, did, scope, jkt string) (string, error) {
	key, err := s.signingKey(ctx)
	if err != nil {
		return "", err
	}
	now := s.nowFn()
	claims := jwtcodec.AccessTokenClaims{
		Issuer:    s.cfg.PublicURL,
		Subject:   did,
		Audience:  s.cfg.PublicURL,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.cfg.AccessTokenLifespan).Unix(),
		Scope:     scope,
		Cnf:       jwtcodec.Confirmation{JKT: jkt},
	}
	return jwtcodec.EncodeAccessToken(key, claims)
}

// ensureFreshUpstream wraps upstream.Client.GetFreshTokens, persisting the
// refreshed session and recording the outcome in metrics. It maps
// ErrSessionExpired into the oaterrors shape the caller should return.
func (s *Server) ensureFreshUpstream(ctx context.Context, sess *store.UpstreamSession) (*store.UpstreamSession, *ecdsa.PrivateKey, *oaterrors.Error) {
	refreshed, key, err := s.upstream.GetFreshTokens(ctx, sess)
	if err != nil {
		if err == upstream.ErrSessionExpired {
			s.metrics.UpstreamRefresh.WithLabelValues("expired").Inc()
			if revokeErr := s.store.RevokeSession(ctx, sess.DID, sess.SessionID); revokeErr != nil {
				logger.Warnw("failed to revoke dead upstream session", "did", sess.DID, "sessionID", sess.SessionID, "error", revokeErr)
			}
			return nil, nil, oaterrors.Wrap(oaterrors.CodeInvalidGrant, "upstream session invalid", err)
		}
		s.metrics.UpstreamRefresh.WithLabelValues("error").Inc()
		return nil, nil, oaterrors.Wrap(oaterrors.CodeServerError, "refresh upstream session", err)
	}
	if refreshed != sess {
		s.metrics.UpstreamRefresh.WithLabelValues("refreshed").Inc()
	}
	if err := s.store.PutUpstreamSession(ctx, refreshed); err != nil {
		return nil, nil, oaterrors.Wrap(oaterrors.CodeServerError, "persist refreshed upstream session", err)
	}
	return refreshed, key, nil
}

// requestURL reconstructs the absolute URL of r as the client addressed
// it, for use as the DPoP proof's expected htu. The proxy always sits
// behind its own PublicURL, so the path comes from r while
// scheme/host come from configuration rather than from a possibly
// spoofed Host header. The query is not included; htu comparison
// ignores it.
func (s *Server) requestURL(r *http.Request) string {
	base := strings.TrimSuffix(s.cfg.PublicURL, "/")
	return base + r.URL.Path
}
