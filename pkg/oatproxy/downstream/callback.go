// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"net/http"
	"net/url"

	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
	"github.com/espeon/oatproxy/pkg/oatproxy/upstream"
)

// HandleCallback implements GET /oauth/return, the PDS-facing callback.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	proxyState := q.Get("state")
	code := q.Get("code")

	if proxyState == "" {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "missing state"))
		return
	}

	pending, err := s.store.ConsumePendingAuthorization(ctx, proxyState)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidRequest, "proxy state unknown or expired", err))
		return
	}

	if pdsErr := q.Get("error"); pdsErr != "" {
		s.redirectError(w, r, pending.RedirectURI, pending.State, pdsErr, q.Get("error_description"))
		return
	}
	if code == "" {
		s.redirectError(w, r, pending.RedirectURI, pending.State, "invalid_request", "missing code")
		return
	}

	md, err := s.upstream.Discover(ctx, pending.PDSHost)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "discover pds metadata", err))
		return
	}

	sess, err := s.upstream.ExchangeCode(ctx, md, pending.SessionID, code, pending.DID)
	if err != nil {
		if err == upstream.ErrDIDMismatch {
			s.redirectError(w, r, pending.RedirectURI, pending.State, "invalid_request", "did mismatch")
			return
		}
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "upstream code exchange", err))
		return
	}

	if err := s.store.PutUpstreamSession(ctx, sess); err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "store upstream session", err))
		return
	}

	authCode, err := randomToken(authCodeSize)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "generate authorization code", err))
		return
	}
	if err := s.store.StoreAuthCode(ctx, authCode, &store.AuthCodeRecord{
		DID:                 sess.DID,
		SessionID:           sess.SessionID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		JKT:                 pending.JKT,
		CreatedAt:           s.nowFn(),
	}); err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "store authorization code", err))
		return
	}

	dest, _ := url.Parse(pending.RedirectURI)
	q2 := dest.Query()
	q2.Set("code", authCode)
	q2.Set("state", pending.State)
	dest.RawQuery = q2.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// redirectError sends the client back to its own redirect_uri carrying an
// OAuth error, the standard authorization-endpoint failure shape (distinct
// from oaterrors' JSON body, which is only used for endpoints the client
// calls directly).
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	dest, err := url.Parse(redirectURI)
	if err != nil {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "invalid redirect_uri"))
		return
	}
	q := dest.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}
