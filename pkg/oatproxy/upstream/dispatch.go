// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/networking"
)

// NonceCache is the per-session upstream-nonce half of store.Store, split
// out so the dispatcher depends on the narrowest interface it needs.
type NonceCache interface {
	GetUpstreamNonce(ctx context.Context, sessionID string) (string, error)
	SetUpstreamNonce(ctx context.Context, sessionID, nonceValue string) error
}

// RequestBuilder builds one attempt of an outgoing request, signing its
// DPoP proof with the nonce supplied (which may be empty on the first
// attempt). It is called again with the PDS's nonce if a retry is needed.
type RequestBuilder func(nonce string) (*http.Request, error)

// DoWithNonceRetry inspects every response's DPoP-Nonce header, caches it
// regardless of status, and retries exactly once when the PDS demands a
// fresher nonce (400 or 401 carrying a new DPoP-Nonce, RFC 9449 §8). It
// is shared by the upstream client's PAR/token/refresh calls and the XRPC
// forwarder's proxied requests. Each onRetry hook is invoked once if the
// retry fires (the forwarder counts retries this way).
func DoWithNonceRetry(
	ctx context.Context,
	client networking.HTTPClient,
	nonces NonceCache,
	sessionID string,
	build RequestBuilder,
	onRetry ...func(),
) (*http.Response, error) {
	nonceValue, err := nonces.GetUpstreamNonce(ctx, sessionID)
	if err != nil {
		logger.Debugw("no cached upstream nonce", "sessionID", sessionID, "error", err)
		nonceValue = ""
	}

	resp, err := attempt(ctx, client, build, nonceValue)
	if err != nil {
		return nil, err
	}

	newNonce := resp.Header.Get("DPoP-Nonce")
	if newNonce != "" {
		if setErr := nonces.SetUpstreamNonce(ctx, sessionID, newNonce); setErr != nil {
			logger.Warnw("failed to cache upstream nonce", "sessionID", sessionID, "error", setErr)
		}
	}

	needsRetry := (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest) &&
		newNonce != "" && newNonce != nonceValue
	if !needsRetry {
		return resp, nil
	}
	_ = resp.Body.Close()

	logger.Debugw("retrying upstream request with fresh DPoP nonce", "sessionID", sessionID)
	for _, hook := range onRetry {
		hook()
	}
	retryResp, err := attempt(ctx, client, build, newNonce)
	if err != nil {
		return nil, err
	}
	if again := retryResp.Header.Get("DPoP-Nonce"); again != "" {
		if setErr := nonces.SetUpstreamNonce(ctx, sessionID, again); setErr != nil {
			logger.Warnw("failed to cache upstream nonce after retry", "sessionID", sessionID, "error", setErr)
		}
	}
	return retryResp, nil
}

func attempt(ctx context.Context, client networking.HTTPClient, build RequestBuilder, nonceValue string) (*http.Response, error) {
	req, err := build(nonceValue)
	if err != nil {
		return nil, err
	}
	return client.Do(req.WithContext(ctx))
}
