// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oaterrors defines the single error shape every OAuth-facing
// handler in the proxy maps into before writing an HTTP response. Every
// endpoint is one fallible unit that maps errors to the OAuth error
// shape; nothing propagates past the HTTP boundary in raw form.
package oaterrors

import (
	"encoding/json"
	"net/http"
)

// Code is an OAuth error code from the closed set the proxy emits.
type Code string

// Error codes, per RFC 6749 §5.2 plus the DPoP additions of RFC 9449.
const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeInvalidGrant     Code = "invalid_grant"
	CodeInvalidToken     Code = "invalid_token"
	CodeInvalidClient    Code = "invalid_client"
	CodeInvalidDPoPProof Code = "invalid_dpop_proof"
	CodeUseDPoPNonce     Code = "use_dpop_nonce"
	CodeServerError      Code = "server_error"
)

// httpStatus is the default HTTP status for each code; handlers may still
// override via WithStatus when a spec section calls for a different one.
var httpStatus = map[Code]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeInvalidGrant:     http.StatusBadRequest,
	CodeInvalidToken:     http.StatusUnauthorized,
	CodeInvalidClient:    http.StatusBadRequest,
	CodeInvalidDPoPProof: http.StatusBadRequest,
	CodeUseDPoPNonce:     http.StatusBadRequest,
	CodeServerError:      http.StatusInternalServerError,
}

// Error is the typed OAuth error every handler constructs at its boundary.
// It carries everything needed to write the response and, separately, a
// Cause for internal logging that the client never sees.
type Error struct {
	Code        Code
	Description string
	Status      int
	// Nonce, when set, is minted fresh and written as the DPoP-Nonce
	// response header; a use_dpop_nonce rejection must always hand the
	// client a nonce it can retry with (RFC 9449 §8).
	Nonce string
	// Cause is the internal error this was derived from; logged with a
	// request id but never serialized into the response body.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Description + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the default HTTP status for code.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description, Status: httpStatus[code]}
}

// Wrap builds an Error that also records the internal cause for logging.
func Wrap(code Code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Status: httpStatus[code], Cause: cause}
}

// WithStatus overrides the HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithNonce attaches a freshly minted downstream nonce to be written as
// the DPoP-Nonce response header.
func (e *Error) WithNonce(nonce string) *Error {
	e.Nonce = nonce
	return e
}

// body is the RFC 6749 §5.2 wire shape: {"error": "...", "error_description": "..."}.
type body struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes e as the JSON error body with e.Status (or 500 if
// unset), including the DPoP-Nonce header when e.Nonce is set.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if e.Nonce != "" {
		w.Header().Set("DPoP-Nonce", e.Nonce)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{
		Error:            string(e.Code),
		ErrorDescription: e.Description,
	})
}

// As is a convenience for call sites that receive a generic error and want
// to recover the typed *Error, falling back to a server_error wrapper.
func As(err error) *Error {
	if oe, ok := err.(*Error); ok {
		return oe
	}
	return Wrap(CodeServerError, "internal error", err)
}
