// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dpop implements the DPoP proof verifier (RFC 9449): structure
// and signature checks (delegated to jwtcodec), then the semantic checks
// that jwtcodec deliberately leaves out: htm/htu binding, iat freshness,
// nonce, and jti replay.
package dpop

// Kind classifies why a DPoP proof was rejected.
type Kind string

// Rejection kinds, in the order Verify checks them.
const (
	KindMalformedProof Kind = "malformed_proof"
	KindBadSignature   Kind = "bad_signature"
	KindBinding        Kind = "binding"
	KindStale          Kind = "stale"
	KindNeedNonce      Kind = "need_nonce"
	KindReplay         Kind = "replay"
)

// Error is a DPoP verification failure tagged with its Kind so callers
// (the downstream server, the forwarder) can map it to the right OAuth
// error code without string-matching.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

// Is makes errors.Is(err, ErrReplay) etc. work against a *Error of the
// matching Kind, without requiring callers to compare Kind fields directly.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Sentinel errors for errors.Is comparisons against specific rejection kinds.
var (
	ErrMalformedProof = &Error{Kind: KindMalformedProof}
	ErrBadSignature   = &Error{Kind: KindBadSignature}
	ErrBinding        = &Error{Kind: KindBinding}
	ErrStale          = &Error{Kind: KindStale}
	ErrNeedNonce      = &Error{Kind: KindNeedNonce}
	ErrReplay         = &Error{Kind: KindReplay}
)

// errAs is a helper so verifier.go reads naturally: errAs(KindBinding, "htm mismatch").
func errAs(kind Kind, msg string) error {
	return newError(kind, msg)
}
