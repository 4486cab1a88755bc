// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtcodec

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// accessTokenTyp is the JWS "typ" header for downstream access tokens.
const accessTokenTyp = "JWT"

// headerTyp is the go-jose extra-header key carrying the JWS "typ" field.
const headerTyp = jose.HeaderKey("typ")

// EncodeAccessToken signs claims as a compact JWS with the proxy's signing
// key, producing a downstream access token.
func EncodeAccessToken(key *ecdsa.PrivateKey, claims AccessTokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: marshal claims: %v", ErrMalformed, err)
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(accessTokenTyp))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return compact, nil
}

// ParseAccessToken verifies the compact JWS signature against pub and
// returns the typed claims. It performs no semantic validation (expiry,
// audience, issuer); callers check those themselves.
func ParseAccessToken(compact string, pub *ecdsa.PublicKey) (*AccessTokenClaims, error) {
	obj, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(obj.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signature count %d", ErrMalformed, len(obj.Signatures))
	}

	payload, err := obj.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var claims AccessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %v", ErrMalformed, err)
	}
	return &claims, nil
}

// EncodeDPoPProof signs a DPoP proof JWT. The signing key's public half is
// embedded in the header as "jwk" (RFC 9449 §4.2); the caller supplies a
// KeyID-free JWK since DPoP proofs identify the key by its embedded
// material, not by a "kid".
func EncodeDPoPProof(key *ecdsa.PrivateKey, pubJWK jose.JSONWebKey, claims DPoPProofClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: marshal claims: %v", ErrMalformed, err)
	}

	opts := (&jose.SignerOptions{}).
		WithType(jose.ContentType(DPoPTyp)).
		WithHeader(jose.HeaderKey("jwk"), pubJWK)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return compact, nil
}

// DecodedDPoPProof is the result of parsing a DPoP proof: its embedded
// public key plus its typed claims. No semantic checks have been applied.
type DecodedDPoPProof struct {
	JWK    jose.JSONWebKey
	Claims DPoPProofClaims
}

// ParseDPoPProof structurally validates and verifies a DPoP proof: it must
// be a compact JWS, "typ" must be "dpop+jwt", the header must carry an
// embedded JWK, and the signature must verify against that JWK. Binding,
// freshness, nonce, and replay checks are the caller's responsibility (see
// the dpop package).
func ParseDPoPProof(compact string) (*DecodedDPoPProof, error) {
	obj, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(obj.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signature count %d", ErrMalformed, len(obj.Signatures))
	}

	header := obj.Signatures[0].Header
	typVal, ok := header.ExtraHeaders[headerTyp]
	if !ok {
		return nil, fmt.Errorf("%w: missing typ header", ErrMalformed)
	}
	typStr, ok := typVal.(string)
	if !ok || typStr != DPoPTyp {
		return nil, fmt.Errorf("%w: typ header is not %q", ErrMalformed, DPoPTyp)
	}

	if header.JSONWebKey == nil {
		return nil, fmt.Errorf("%w: missing embedded jwk", ErrMalformed)
	}
	pub, ok := header.JSONWebKey.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported jwk key type %T", ErrMalformed, header.JSONWebKey.Key)
	}

	payload, err := obj.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var claims DPoPProofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %v", ErrMalformed, err)
	}

	return &DecodedDPoPProof{JWK: *header.JSONWebKey, Claims: claims}, nil
}
