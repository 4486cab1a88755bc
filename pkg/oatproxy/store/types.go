// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store defines the proxy's storage ports: narrow,
// atomic operations over PAR/pending-authorization/code/refresh-token
// records, the upstream session and its per-session key and nonce cache,
// the seen-jti replay set, and the two process-wide singletons (signing
// key, HMAC secret). MemoryStore and RedisStore are the two
// implementations; callers depend only on the Store interface.
package store

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
)

// Record lifetimes. PAR request_uris follow RFC 9126's short-expiry
// guidance; codes and pending authorizations get the usual ten minutes.
const (
	PARTTL                = 90 * time.Second
	PendingAuthTTL        = 10 * time.Minute
	AuthCodeTTL           = 10 * time.Minute
	RefreshTokenTTL       = 365 * 24 * time.Hour
	BurnedRefreshTokenTTL = 24 * time.Hour
	SeenJTITTL            = 5 * time.Minute
)

// PARRecord holds everything the client posted to /oauth/par, keyed by
// the request_uri it was issued.
type PARRecord struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	LoginHint           string
	JKT                 string // downstream client's DPoP JKT, bound at PAR time
	CreatedAt           time.Time
}

// PendingAuthorization is the downstream client context held while the
// PDS redirect is outstanding.
type PendingAuthorization struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	JKT                 string
	DID                 string // hinted DID, if any; may be empty until callback resolves it
	SessionID           string
	PDSHost             string // PDS the upstream session was opened against
	CreatedAt           time.Time
}

// AuthCodeRecord is a downstream authorization code awaiting exchange.
type AuthCodeRecord struct {
	DID                 string
	SessionID           string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	JKT                 string
	CreatedAt           time.Time
}

// RefreshTokenRecord maps a downstream refresh token to the upstream
// session it authorizes access to.
type RefreshTokenRecord struct {
	DID       string
	SessionID string
	CreatedAt time.Time
}

// UpstreamSession is one long-lived authorization with a PDS.
type UpstreamSession struct {
	DID          string
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	PDSHost      string
	JKT          string // server-confirmed cnf.jkt from the PDS token response, if any
	Revoked      bool
}

// IsExpired reports whether the upstream access token needs refreshing,
// applying the caller's refresh skew.
func (s *UpstreamSession) IsExpired(skew time.Duration) bool {
	if s == nil {
		return true
	}
	return time.Now().Add(skew).After(s.ExpiresAt)
}

// UpstreamKey is the per-session upstream DPoP keypair,
// stored as PKCS#8 DER so it can round-trip through any backend.
type UpstreamKey struct {
	SessionID  string
	PrivateDER []byte
	JKT        string
}

// PrivateKey parses PrivateDER back into a usable key.
func (k *UpstreamKey) PrivateKey() (*ecdsa.PrivateKey, error) {
	return cryptoutil.UnmarshalPrivateKey(k.PrivateDER)
}

// ReplayGuard is the subset of Store the dpop verifier depends on. Defined
// here (not re-exported from dpop) so store has no import-time dependency
// on dpop; dpop.ReplayGuard and this interface are structurally identical
// and Store satisfies both.
type ReplayGuard interface {
	CheckAndRecord(ctx context.Context, jkt, jti string, observedAt time.Time) (bool, error)
}

// Store is the full storage port surface. Consume* operations are
// serialization points: exactly one concurrent caller observes a given
// key's value, every other caller observes ErrNotFound.
type Store interface {
	// PAR: single-use, 90s TTL.
	StorePAR(ctx context.Context, requestURI string, rec *PARRecord) error
	ConsumePAR(ctx context.Context, requestURI string) (*PARRecord, error)

	// Pending Authorization: single-use, 10min TTL.
	StorePendingAuthorization(ctx context.Context, proxyState string, rec *PendingAuthorization) error
	ConsumePendingAuthorization(ctx context.Context, proxyState string) (*PendingAuthorization, error)

	// Authorization Code: single-use, 10min TTL.
	StoreAuthCode(ctx context.Context, code string, rec *AuthCodeRecord) error
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCodeRecord, error)

	// Refresh Token: single-use, long TTL, rotated on every use.
	StoreRefreshToken(ctx context.Context, token string, rec *RefreshTokenRecord) error
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error)
	// GetBurnedRefreshToken returns the record of a previously-consumed
	// refresh token still within its burned bookkeeping TTL, or ErrNotFound
	// for a token that was never issued (or whose burn record has aged
	// out). The record lets the caller revoke the whole session on reuse,
	// per the OAuth 2.1 rotation guidance.
	GetBurnedRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error)

	// Active Session index: DID -> current session id.
	UpdateActiveSession(ctx context.Context, did, sessionID string) error
	GetActiveSession(ctx context.Context, did string) (string, error)

	// Upstream OAuth Session.
	PutUpstreamSession(ctx context.Context, sess *UpstreamSession) error
	GetUpstreamSession(ctx context.Context, did, sessionID string) (*UpstreamSession, error)
	DeleteUpstreamSession(ctx context.Context, did, sessionID string) error

	// Per-session upstream DPoP keypair.
	PutUpstreamKey(ctx context.Context, key *UpstreamKey) error
	GetUpstreamKey(ctx context.Context, sessionID string) (*UpstreamKey, error)
	DeleteUpstreamKey(ctx context.Context, sessionID string) error

	// Per-session upstream PDS nonce cache.
	SetUpstreamNonce(ctx context.Context, sessionID, nonceValue string) error
	GetUpstreamNonce(ctx context.Context, sessionID string) (string, error)
	DeleteUpstreamNonce(ctx context.Context, sessionID string) error

	// Seen-JTI replay set, scoped by JKT. Satisfies dpop.ReplayGuard.
	CheckAndRecord(ctx context.Context, jkt, jti string, observedAt time.Time) (bool, error)

	// Proxy signing key and HMAC secret singletons: get-or-generate-once,
	// persisted on first boot.
	GetOrCreateSigningKey(ctx context.Context) (*ecdsa.PrivateKey, error)
	GetOrCreateHMACSecret(ctx context.Context) ([]byte, error)

	// RevokeSession deletes every storage entry for (did, sessionID): the
	// refresh tokens are left to their own TTL (they are keyed by token,
	// not by session, and any later use fails against the revoked
	// session); active-session index, upstream
	// session, upstream key, and upstream nonce are removed here.
	RevokeSession(ctx context.Context, did, sessionID string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases any background resources (cleanup goroutines, pools).
	Close() error
}

// compile-time assertion that ReplayGuard is structurally satisfied by Store.
var _ ReplayGuard = Store(nil)
