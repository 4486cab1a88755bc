// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"net/http"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
	"github.com/espeon/oatproxy/pkg/oatproxy/store"
)

// parResponse is the wire shape of a successful PAR (RFC 9126 §2.2).
type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// HandlePAR implements POST /oauth/par (RFC 9126).
func (s *Server) HandlePAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "malformed form body"))
		return
	}

	result, derr := s.requireDPoP(ctx, r, s.requestURL(r), dpop.PurposePAR)
	if derr != nil {
		s.metrics.ParRequests.WithLabelValues(string(derr.Code)).Inc()
		s.fail(w, derr)
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	responseType := r.FormValue("response_type")
	codeChallenge := r.FormValue("code_challenge")
	codeChallengeMethod := r.FormValue("code_challenge_method")
	state := r.FormValue("state")
	scope := r.FormValue("scope")

	if clientID == "" || redirectURI == "" || codeChallenge == "" || state == "" {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeInvalidRequest)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "missing required parameter"))
		return
	}
	if responseType != "code" {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeInvalidRequest)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "response_type must be code"))
		return
	}
	if codeChallengeMethod != cryptoutil.PKCEChallengeMethodS256 {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeInvalidRequest)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "code_challenge_method must be S256"))
		return
	}
	if !s.validRedirectURI(clientID, redirectURI) {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeInvalidRequest)).Inc()
		s.fail(w, oaterrors.New(oaterrors.CodeInvalidRequest, "redirect_uri not registered for client_id"))
		return
	}

	requestURIToken, err := randomToken(parTokenSize)
	if err != nil {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "generate request_uri", err))
		return
	}
	requestURI := "urn:ietf:params:oauth:request_uri:" + requestURIToken

	rec := &store.PARRecord{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        responseType,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		State:               state,
		LoginHint:           r.FormValue("login_hint"),
		JKT:                 result.JKT,
		CreatedAt:           s.nowFn(),
	}
	if err := s.store.StorePAR(ctx, requestURI, rec); err != nil {
		s.metrics.ParRequests.WithLabelValues(string(oaterrors.CodeServerError)).Inc()
		s.fail(w, oaterrors.Wrap(oaterrors.CodeServerError, "store par record", err))
		return
	}

	s.metrics.ParRequests.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusCreated, parResponse{
		RequestURI: requestURI,
		ExpiresIn:  int(store.PARTTL / time.Second),
	})
}

// validRedirectURI checks clientID against the configured allowlist.
// redirectURI is not compared against any registered set of redirect
// URIs. An empty allowlist accepts any client_id, matching ATProto
// OAuth's self-describing client_id-as-URL model; enforcement is a
// deployment decision.
func (s *Server) validRedirectURI(clientID, redirectURI string) bool {
	if len(s.cfg.ClientIDAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.cfg.ClientIDAllowlist {
		if allowed == clientID {
			return true
		}
	}
	return false
}
