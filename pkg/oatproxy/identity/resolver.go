// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves an ATProto user identifier (handle or DID) to
// the PDS host that authorizes on that user's behalf. The Resolver
// interface is the boundary the OAuth server depends on; HTTPResolver is
// the concrete implementation, so the engine is runnable end-to-end
// without a separate directory service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/espeon/oatproxy/pkg/networking"
)

// ErrNotResolvable is returned when an identifier cannot be resolved to a
// DID, or a DID's document carries no PDS service endpoint.
var ErrNotResolvable = errors.New("identity: not resolvable")

// Identity is the resolved (DID, PDS host) pair the proxy needs before it
// can construct an upstream PAR.
type Identity struct {
	DID     string
	PDSHost string
}

// Resolver resolves a login hint (handle or DID) to an Identity.
// HTTPResolver.Resolve rejects an empty hint with ErrNotResolvable; its
// DefaultPDSIdentity covers the no-hint case.
type Resolver interface {
	Resolve(ctx context.Context, loginHint string) (*Identity, error)
}

// HTTPResolver implements Resolver via the two public ATProto lookups: a
// handle resolves to a DID via DNS TXT `_atproto.<handle>` or
// `/.well-known/atproto-did`, and a DID resolves to a PDS endpoint via its
// DID document (plc.directory for did:plc, the domain itself for did:web).
type HTTPResolver struct {
	client     networking.HTTPClient
	defaultPDS string
	resolver   *net.Resolver
}

// NewHTTPResolver builds an HTTPResolver. client should be the SSRF-guarded
// client from networking.NewHttpClientBuilder, since resolution dials hosts
// named by attacker-influenced user input.
func NewHTTPResolver(client networking.HTTPClient, defaultPDS string) *HTTPResolver {
	return &HTTPResolver{client: client, defaultPDS: defaultPDS, resolver: net.DefaultResolver}
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, loginHint string) (*Identity, error) {
	if loginHint == "" {
		return nil, ErrNotResolvable
	}

	did := loginHint
	if !strings.HasPrefix(loginHint, "did:") {
		resolved, err := r.resolveHandleToDID(ctx, loginHint)
		if err != nil {
			return nil, err
		}
		did = resolved
	}

	pds, err := r.resolveDIDToPDS(ctx, did)
	if err != nil {
		return nil, err
	}
	return &Identity{DID: did, PDSHost: pds}, nil
}

// DefaultPDSIdentity returns an Identity with no DID yet resolved, pinned
// to the deployment's default PDS: with no hint supplied, identity
// resolution is deferred to the PDS itself.
func (r *HTTPResolver) DefaultPDSIdentity() *Identity {
	return &Identity{PDSHost: r.defaultPDS}
}

func (r *HTTPResolver) resolveHandleToDID(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.ToLower(handle), "@")

	if did, err := r.resolveHandleViaDNS(ctx, handle); err == nil {
		return did, nil
	}
	return r.resolveHandleViaWellKnown(ctx, handle)
}

func (r *HTTPResolver) resolveHandleViaDNS(ctx context.Context, handle string) (string, error) {
	records, err := r.resolver.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", fmt.Errorf("%w: dns lookup: %v", ErrNotResolvable, err)
	}
	for _, rec := range records {
		if did, ok := strings.CutPrefix(rec, "did="); ok {
			return did, nil
		}
	}
	return "", fmt.Errorf("%w: no did= TXT record", ErrNotResolvable)
}

func (r *HTTPResolver) resolveHandleViaWellKnown(ctx context.Context, handle string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotResolvable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotResolvable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: well-known returned %d", ErrNotResolvable, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotResolvable, err)
	}
	did := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("%w: well-known body is not a did", ErrNotResolvable)
	}
	return did, nil
}

// didDocument is the subset of a DID document needed to find the user's
// PDS: the AtprotoPersonalDataServer service endpoint.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (r *HTTPResolver) resolveDIDToPDS(ctx context.Context, did string) (string, error) {
	docURL, err := didDocumentURL(did)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotResolvable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotResolvable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: did document returned %d", ErrNotResolvable, resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: decode did document: %v", ErrNotResolvable, err)
	}
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("%w: did document has no PDS service entry", ErrNotResolvable)
}

// didDocumentURL maps a DID to the URL that serves its document:
// plc.directory for did:plc; for did:web, the domain's
// /.well-known/did.json, or /<path>/did.json when the DID carries path
// segments (did:web §3.2).
func didDocumentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return "https://plc.directory/" + did, nil
	case strings.HasPrefix(did, "did:web:"):
		rest := strings.TrimPrefix(did, "did:web:")
		if !strings.Contains(rest, ":") {
			return "https://" + rest + "/.well-known/did.json", nil
		}
		return "https://" + strings.ReplaceAll(rest, ":", "/") + "/did.json", nil
	default:
		return "", fmt.Errorf("%w: unsupported did method in %q", ErrNotResolvable, did)
	}
}
