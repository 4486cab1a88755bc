// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
)

// HandleRevoke implements POST /oauth/revoke (RFC 7009). Once the form
// parses and the DPoP proof passes, it returns 200 whatever the token
// was: a malformed or already-dead token carries no information worth
// leaking to the caller about which case applied. A malformed form body
// or a missing, invalid or nonce-less DPoP proof gets the usual OAuth
// error response instead.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "malformed form body"))
		return
	}

	if _, derr := s.requireDPoP(ctx, r, s.requestURL(r), dpop.PurposeToken); derr != nil {
		s.fail(w, derr)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	// The only reverse index this proxy maintains from an opaque token to
	// a session is the refresh token table; there is no storage port from
	// a bare JKT to a session, so only revocation by refresh token can
	// locate state to delete.
	rec, err := s.store.ConsumeRefreshToken(ctx, token)
	if err != nil {
		logger.Debugw("revoke: token not found or already consumed", "error", err)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	if err := s.store.RevokeSession(ctx, rec.DID, rec.SessionID); err != nil {
		logger.Warnw("revoke: failed to clear session storage", "did", rec.DID, "sessionID", rec.SessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
