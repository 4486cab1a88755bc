// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"context"
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/identity"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
)

// HandleAuthorize implements GET /oauth/authorize.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestURI := r.URL.Query().Get("request_uri")
	if requestURI == "" {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "missing request_uri"))
		return
	}

	par, err := s.store.ConsumePAR(ctx, requestURI)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidRequest, "request_uri unknown or expired", err))
		return
	}

	ident, err := s.resolveIdentity(ctx, par.LoginHint)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeInvalidRequest, "could not resolve pds for this identity", err))
		return
	}

	sessionID := newSessionID()
	if _, err := s.upstream.NewSessionKey(ctx, sessionID); err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "generate upstream dpop key", err))
		return
	}

	md, err := s.upstream.Discover(ctx, ident.PDSHost)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "discover pds metadata", err))
		return
	}

	proxyState, err := randomToken(proxyStateSize)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "generate proxy state", err))
		return
	}

	upstreamRequestURI, err := s.upstream.PushAuthorizationRequest(ctx, md, sessionID, proxyState, ident.DID)
	if err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "upstream pushed authorization request", err))
		return
	}

	if err := s.store.StorePendingAuthorization(ctx, proxyState, &store.PendingAuthorization{
		ClientID:            par.ClientID,
		RedirectURI:         par.RedirectURI,
		State:               par.State,
		Scope:               par.Scope,
		CodeChallenge:       par.CodeChallenge,
		CodeChallengeMethod: par.CodeChallengeMethod,
		JKT:                 par.JKT,
		DID:                 ident.DID,
		SessionID:           sessionID,
		PDSHost:             ident.PDSHost,
		CreatedAt:           s.nowFn(),
	}); err != nil {
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "store pending authorization", err))
		return
	}

	redirectTo := s.upstream.AuthorizeURL(md, upstreamRequestURI, proxyState)
	logger.Debugw("redirecting to upstream pds for authorization", "sessionID", sessionID, "pdsHost", ident.PDSHost)
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// resolveIdentity resolves loginHint to an Identity, falling back to the
// deployment's default PDS when no hint is present; the PDS then asks the
// user who they are itself.
func (s *Server) resolveIdentity(ctx context.Context, loginHint string) (*identity.Identity, error) {
	if loginHint == "" {
		if defaulter, ok := s.identity.(interface{ DefaultPDSIdentity() *identity.Identity }); ok {
			return defaulter.DefaultPDSIdentity(), nil
		}
		return &identity.Identity{PDSHost: s.cfg.DefaultPDSHost}, nil
	}
	return s.identity.Resolve(ctx, loginHint)
}
