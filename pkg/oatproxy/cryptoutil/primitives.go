// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cryptoutil provides the low-level cryptographic primitives used
// throughout the proxy: P-256 ECDSA sign/verify, SHA-256, HMAC-SHA256,
// base64url encoding, and RFC 7638 JWK thumbprints.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// es256SignatureSize is the byte length of a raw ES256 JWS signature: two
// 32-byte big-endian integers r and s (RFC 7518 §3.4).
const es256SignatureSize = 64

// ErrMalformedKey is returned when a key cannot be used to derive a thumbprint
// or signature: missing required fields, or an unsupported key type.
var ErrMalformedKey = errors.New("malformed key")

// Base64URLEncode encodes bytes using unpadded base64url, per RFC 7515 Appendix C.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes unpadded base64url text.
func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// SHA256 returns the SHA-256 digest of b.
func SHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// HMACSHA256 returns the HMAC-SHA256 of message under key.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message) //nolint:errcheck // hash.Hash.Write never returns an error
	return mac.Sum(nil)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}

// SignES256 signs data with an ECDSA P-256 key, returning the raw r||s
// signature (64 bytes) as used by JWS ES256 (RFC 7518 §3.4): each integer
// big-endian, left-padded to 32 bytes.
func SignES256(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrMalformedKey
	}
	r, s, err := ecdsa.Sign(rand.Reader, key, SHA256(data))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := make([]byte, es256SignatureSize)
	r.FillBytes(sig[:es256SignatureSize/2])
	s.FillBytes(sig[es256SignatureSize/2:])
	return sig, nil
}

// VerifyES256 verifies a raw r||s ES256 signature against data.
func VerifyES256(pub *ecdsa.PublicKey, data, sig []byte) error {
	if pub == nil {
		return ErrMalformedKey
	}
	if len(sig) != es256SignatureSize {
		return fmt.Errorf("%w: signature length %d, want %d", ErrMalformedKey, len(sig), es256SignatureSize)
	}
	r := new(big.Int).SetBytes(sig[:es256SignatureSize/2])
	s := new(big.Int).SetBytes(sig[es256SignatureSize/2:])
	digest := SHA256(data)
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrBadSignature
	}
	return nil
}

// ErrBadSignature is returned when an ES256 signature fails verification.
var ErrBadSignature = errors.New("bad signature")
