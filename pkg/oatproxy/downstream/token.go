// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
)

// tokenResponse is the wire shape both grants return.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// HandleToken implements POST /oauth/token for both grant types.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "malformed form body"))
		return
	}

	result, derr := s.requireDPoP(ctx, r, s.requestURL(r), dpop.PurposeToken)
	if derr != nil {
		s.metrics.TokenRequests.WithLabelValues(r.FormValue("grant_type"), string(derr.Code)).Inc()
		s.fail(w, derr)
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, result.JKT)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, result.JKT)
	default:
		s.metrics.TokenRequests.WithLabelValues(r.FormValue("grant_type"), string(oaterrors.CodeInvalidRequest)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "unsupported grant_type"))
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, jkt string) {
	ctx := r.Context()
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	rec, err := s.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues("authorization_code", string(oaterrors.CodeInvalidGrant)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidGrant, "authorization code unknown or expired", err))
		return
	}

	if rec.RedirectURI != redirectURI ||
		!cryptoutil.VerifyPKCE(codeVerifier, rec.CodeChallenge) ||
		rec.JKT != jkt {
		s.metrics.TokenRequests.WithLabelValues("authorization_code", string(oaterrors.CodeInvalidGrant)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidGrant, "redirect_uri, pkce, or dpop binding mismatch"))
		return
	}

	sess, err := s.store.GetUpstreamSession(ctx, rec.DID, rec.SessionID)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues("authorization_code", string(oaterrors.CodeInvalidGrant)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidGrant, "upstream session invalid", err))
		return
	}
	if _, _, oerr := s.ensureFreshUpstream(ctx, sess); oerr != nil {
		s.metrics.TokenRequests.WithLabelValues("authorization_code", string(oerr.Code)).Inc()
		s.fail(w, oerr)
		return
	}

	s.issueTokens(w, r, "authorization_code", rec.DID, rec.SessionID, jkt)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, jkt string) {
	ctx := r.Context()
	oldToken := r.FormValue("refresh_token")

	rec, err := s.store.ConsumeRefreshToken(ctx, oldToken)
	if err != nil {
		// A token that is gone but recorded as burned was already rotated:
		// someone is replaying a spent credential. Revoke the whole session
		// rather than just failing the request, per the OAuth 2.1 rotation
		// guidance.
		if burned, burnErr := s.store.GetBurnedRefreshToken(ctx, oldToken); burnErr == nil {
			logger.Warnw("refresh token reuse detected, revoking session",
				"did", burned.DID, "sessionID", burned.SessionID)
			if revokeErr := s.store.RevokeSession(ctx, burned.DID, burned.SessionID); revokeErr != nil {
				logger.Warnw("failed to revoke session after refresh token reuse",
					"did", burned.DID, "sessionID", burned.SessionID, "error", revokeErr)
			}
		}
		s.metrics.TokenRequests.WithLabelValues("refresh_token", string(oaterrors.CodeInvalidGrant)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidGrant, "refresh token unknown, expired, or already used", err))
		return
	}

	sess, err := s.store.GetUpstreamSession(ctx, rec.DID, rec.SessionID)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues("refresh_token", string(oaterrors.CodeInvalidGrant)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidGrant, "upstream session invalid", err))
		return
	}
	if _, _, oerr := s.ensureFreshUpstream(ctx, sess); oerr != nil {
		s.metrics.TokenRequests.WithLabelValues("refresh_token", string(oerr.Code)).Inc()
		s.fail(w, oerr)
		return
	}

	s.issueTokens(w, r, "refresh_token", rec.DID, rec.SessionID, jkt)
}

// issueTokens mints the access token and a fresh refresh token common to
// both grants.
func (s *Server) issueTokens(w http.ResponseWriter, r *http.Request, grantType, did, sessionID, jkt string) {
	ctx := r.Context()

	sess, err := s.store.GetUpstreamSession(ctx, did, sessionID)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues(grantType, string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "reload upstream session", err))
		return
	}

	accessToken, err := s.mintAccessToken(ctx, did, sess.Scope, jkt)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues(grantType, string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "mint access token", err))
		return
	}

	refreshToken, err := randomToken(refreshTokenSize)
	if err != nil {
		s.metrics.TokenRequests.WithLabelValues(grantType, string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "generate refresh token", err))
		return
	}
	if err := s.store.StoreRefreshToken(ctx, refreshToken, &store.RefreshTokenRecord{
		DID:       did,
		SessionID: sessionID,
		CreatedAt: s.nowFn(),
	}); err != nil {
		s.metrics.TokenRequests.WithLabelValues(grantType, string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "store refresh token", err))
		return
	}
	if err := s.store.UpdateActiveSession(ctx, did, sessionID); err != nil {
		s.metrics.TokenRequests.WithLabelValues(grantType, string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "update active session index", err))
		return
	}

	s.metrics.TokenRequests.WithLabelValues(grantType, "success").Inc()
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "DPoP",
		ExpiresIn:    int(s.cfg.AccessTokenLifespan.Seconds()),
		RefreshToken: refreshToken,
		Scope:        sess.Scope,
		Sub:          did,
	})
}
