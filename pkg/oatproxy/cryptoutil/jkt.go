// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cryptoutil

import (
	"crypto"
	"crypto/ecdsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// JKT computes the RFC 7638 JWK Thumbprint of jwk, base64url-encoded
// without padding. go-jose's Thumbprint implements the canonical-JSON-
// over-required-fields construction (EC: crv,kty,x,y; RSA: e,kty,n;
// OKP: crv,kty,x); we only add the base64url encoding step on top.
func JKT(jwk jose.JSONWebKey) (string, error) {
	if !jwk.Valid() {
		return "", fmt.Errorf("%w: invalid or incomplete jwk", ErrMalformedKey)
	}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return Base64URLEncode(sum), nil
}

// PublicJWK builds the public JWK for an ECDSA public key, suitable for
// embedding in a DPoP proof header or publishing at a JWKS endpoint.
func PublicJWK(pub *ecdsa.PublicKey, keyID string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     keyID,
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}
}

// JKTFromPublicKey is a convenience wrapper computing the JKT directly from
// an ECDSA public key without needing to build the intermediate JWK.
func JKTFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	return JKT(PublicJWK(pub, ""))
}
