// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/jwtcodec"
)

// jtiSize is the byte length of a proof's jti before base64url encoding.
const jtiSize = 16

// NewProofOptions carries the optional fields of a DPoP proof.
type NewProofOptions struct {
	Nonce string
	// Ath, when set, must already be base64url(sha256(access_token)); the
	// caller computes it via Ath() below.
	Ath string
}

// NewProof mints a DPoP proof JWT bound to key for one outgoing request.
// Used both by the upstream client (signing proofs sent to the PDS) and by
// the forwarder (rebuilding proofs for the upstream leg of each proxied
// XRPC call).
func NewProof(key *ecdsa.PrivateKey, htm, htu string, opts NewProofOptions) (string, error) {
	jtiBytes, err := cryptoutil.RandomBytes(jtiSize)
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}

	pubJWK := cryptoutil.PublicJWK(&key.PublicKey, "")
	claims := jwtcodec.DPoPProofClaims{
		JTI:   cryptoutil.Base64URLEncode(jtiBytes),
		HTM:   htm,
		HTU:   htu,
		IAT:   time.Now().Unix(),
		Nonce: opts.Nonce,
		Ath:   opts.Ath,
	}

	proof, err := jwtcodec.EncodeDPoPProof(key, pubJWK, claims)
	if err != nil {
		return "", fmt.Errorf("encode proof: %w", err)
	}
	return proof, nil
}

// Ath computes the "ath" claim value for a token: base64url(sha256(token))
// (RFC 9449 §4.2).
func Ath(token string) string {
	return cryptoutil.Base64URLEncode(cryptoutil.SHA256([]byte(token)))
}
