// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/jwtcodec"
)

// Purpose scopes a nonce check to one logical endpoint family, so a nonce
// minted for /oauth/par is not accepted at /oauth/token. The replay set
// is keyed by JKT and jti alone, not by Purpose.
type Purpose string

// The three endpoint families that accept DPoP proofs.
const (
	PurposePAR   Purpose = "par"
	PurposeToken Purpose = "token"
	PurposeXRPC  Purpose = "xrpc"
)

// Default iat acceptance window: a minute of clock drift into the past,
// five seconds into the future.
const (
	DefaultMaxPast   = 60 * time.Second
	DefaultMaxFuture = 5 * time.Second
)

// ReplayGuard records accepted jtis and reports whether one has been seen
// before, scoped by JKT. Acceptance and recording must be one atomic
// operation or two concurrent presentations of the same proof could both
// pass.
type ReplayGuard interface {
	// CheckAndRecord returns (true, nil) if (jkt, jti) had not been seen
	// before and is now recorded; (false, nil) if it was a replay.
	CheckAndRecord(ctx context.Context, jkt, jti string, observedAt time.Time) (bool, error)
}

// NonceVerifier reports whether nonce is currently valid for the given
// (jkt, purpose, endpoint) triple. nonce.Service, the downstream-facing
// stateless HMAC nonce, implements this.
type NonceVerifier interface {
	VerifyNonce(jkt string, purpose Purpose, endpoint, nonce string) bool
}

// Verifier validates DPoP proofs (RFC 9449 §4.3).
type Verifier struct {
	replay    ReplayGuard
	nonces    NonceVerifier
	maxPast   time.Duration
	maxFuture time.Duration
	nowFn     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSkew overrides the default iat acceptance window.
func WithSkew(maxPast, maxFuture time.Duration) Option {
	return func(v *Verifier) {
		v.maxPast = maxPast
		v.maxFuture = maxFuture
	}
}

// WithClock overrides the verifier's notion of "now", for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.nowFn = now
	}
}

// NewVerifier builds a Verifier. replay and nonces are required; a nil
// nonces is tolerated only when no call site ever requires a nonce.
func NewVerifier(replay ReplayGuard, nonces NonceVerifier, opts ...Option) *Verifier {
	v := &Verifier{
		replay:    replay,
		nonces:    nonces,
		maxPast:   DefaultMaxPast,
		maxFuture: DefaultMaxFuture,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Result is the outcome of a successful Verify call.
type Result struct {
	JKT    string
	Claims jwtcodec.DPoPProofClaims
}

// Verify validates proof against the expected HTTP method and URL for one
// request. requireNonce forces NeedNonce
// when the proof carries no nonce at all (used by endpoints that always
// demand proof freshness, e.g. /oauth/par and /oauth/token).
func (v *Verifier) Verify(
	ctx context.Context,
	proof string,
	expectedHTM string,
	expectedHTU string,
	purpose Purpose,
	requireNonce bool,
) (*Result, error) {
	decoded, err := jwtcodec.ParseDPoPProof(proof)
	if err != nil {
		if errors.Is(err, jwtcodec.ErrBadSignature) {
			return nil, errAs(KindBadSignature, err.Error())
		}
		return nil, errAs(KindMalformedProof, err.Error())
	}

	jkt, err := cryptoutil.JKT(decoded.JWK)
	if err != nil {
		return nil, errAs(KindMalformedProof, "cannot compute jkt: "+err.Error())
	}

	claims := decoded.Claims

	if claims.HTM != expectedHTM {
		return nil, errAs(KindBinding, "htm mismatch")
	}

	normalizedProofHTU, err := normalizeHTU(claims.HTU)
	if err != nil {
		return nil, errAs(KindMalformedProof, "invalid htu: "+err.Error())
	}
	normalizedExpectedHTU, err := normalizeHTU(expectedHTU)
	if err != nil {
		return nil, errAs(KindMalformedProof, "invalid expected htu: "+err.Error())
	}
	if normalizedProofHTU != normalizedExpectedHTU {
		return nil, errAs(KindBinding, "htu mismatch")
	}

	now := v.nowFn()
	iat := time.Unix(claims.IAT, 0)
	if iat.Before(now.Add(-v.maxPast)) || iat.After(now.Add(v.maxFuture)) {
		return nil, errAs(KindStale, "iat outside acceptance window")
	}

	if requireNonce || claims.Nonce != "" {
		if claims.Nonce == "" {
			return nil, errAs(KindNeedNonce, "nonce required but absent")
		}
		if v.nonces == nil || !v.nonces.VerifyNonce(jkt, purpose, normalizedExpectedHTU, claims.Nonce) {
			return nil, errAs(KindNeedNonce, "nonce invalid or expired")
		}
	}

	if claims.JTI == "" {
		return nil, errAs(KindMalformedProof, "missing jti")
	}
	accepted, err := v.replay.CheckAndRecord(ctx, jkt, claims.JTI, now)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, errAs(KindReplay, "jti already seen for this jkt")
	}

	return &Result{JKT: jkt, Claims: claims}, nil
}

// normalizeHTU strips query and fragment and case-folds scheme+host
// before htu comparison. The path and its case are preserved; ATProto
// DIDs and rkeys appearing in paths are case-sensitive.
func normalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
