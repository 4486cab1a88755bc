// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtcodec

import "errors"

// ErrMalformed covers structural problems: not a compact JWS, wrong number
// of segments, missing/unsupported header fields, undecodable claims.
var ErrMalformed = errors.New("malformed jwt")

// ErrBadSignature is returned when the JWS signature does not verify.
var ErrBadSignature = errors.New("bad signature")
