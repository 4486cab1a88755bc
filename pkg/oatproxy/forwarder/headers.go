// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package forwarder

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are the headers RFC 7230 §6.1 says a proxy must strip
// between hops. Authorization, dpop, host, and content-length are handled
// separately since the forwarder replaces rather than merely drops them.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// copyRequestHeaders copies the client's request headers onto the rebuilt
// upstream request, dropping the hop-by-hop set, the headers the
// forwarder recomputes itself, and Cookie: session cookies are a
// downstream browser concern that must never reach the PDS from this
// confidential client.
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		switch lower {
		case "authorization", "dpop", "host", "content-length", "cookie":
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders mirrors copyRequestHeaders for the return leg: the
// hop-by-hop set plus Set-Cookie, which a PDS has no standing to set on
// the proxy's own origin.
func copyResponseHeaders(dst http.ResponseWriter, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if lower == "set-cookie" {
			continue
		}
		for _, v := range values {
			dst.Header().Add(key, v)
		}
	}
}
