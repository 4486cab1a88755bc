// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwtcodec encodes and parses the two compact-JWS shapes the proxy
// deals in: downstream access tokens and DPoP proofs. The
// codec is deliberately "pure": it verifies the signature and types the
// claims, nothing more. Semantic checks (expiry windows, binding, replay)
// live in dpop and downstream, which consume the typed claims this package
// returns.
package jwtcodec

// DPoPTyp is the JWS "typ" header value required on every DPoP proof
// (RFC 9449 §4.2).
const DPoPTyp = "dpop+jwt"

// Confirmation holds the "cnf" claim of an access token: the JWK thumbprint
// the token is bound to (RFC 9449 §6.1).
type Confirmation struct {
	JKT string `json:"jkt"`
}

// AccessTokenClaims is the payload of a downstream proxy access token:
//
//	{iss, sub=DID, aud=proxy, iat, exp=iat+3600, scope, cnf:{jkt}}
type AccessTokenClaims struct {
	Issuer    string       `json:"iss"`
	Subject   string       `json:"sub"`
	Audience  string       `json:"aud"`
	IssuedAt  int64        `json:"iat"`
	ExpiresAt int64        `json:"exp"`
	Scope     string       `json:"scope,omitempty"`
	Cnf       Confirmation `json:"cnf"`
}

// DPoPProofClaims is the payload of a DPoP proof JWT (RFC 9449 §4.2):
//
//	{jti, htm, htu, iat, (nonce)?, (ath)?}
type DPoPProofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
	Ath   string `json:"ath,omitempty"`
}
