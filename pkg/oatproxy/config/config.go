// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config is the pure configuration surface for the proxy engine:
// a resolved Config struct (no file I/O, no env parsing) plus a thin
// loader boundary. Every engine constructor takes a Config; only the
// process entrypoint calls Load.
package config

import (
	"fmt"
	"time"
)

// Config is the fully-resolved configuration the engine is constructed from.
type Config struct {
	// PublicURL is the proxy's own externally reachable base URL, e.g.
	// "https://proxy.example.com". Used to build metadata documents, the
	// callback redirect_uri, and the client-metadata document URL.
	PublicURL string

	// DefaultPDSHost is used when an authorize request carries no login
	// hint.
	DefaultPDSHost string

	// Scope is the space-separated scope list requested from every PDS.
	Scope string

	// StorageBackend selects which store.Store implementation to
	// construct: "memory" or "redis".
	StorageBackend string

	// RedisAddr is the Redis connection string, required when
	// StorageBackend is "redis".
	RedisAddr string

	// RedisKeyPrefix namespaces every key the Redis store touches.
	RedisKeyPrefix string

	// ClientIDAllowlist, when non-empty, restricts accepted downstream
	// client_id values to this list. Empty means accept any client_id,
	// matching ATProto OAuth's self-describing client_id-as-URL model.
	ClientIDAllowlist []string

	// AccessTokenLifespan overrides the 1-hour default.
	AccessTokenLifespan time.Duration

	// RequestTimeout bounds every outbound call to a PDS.
	RequestTimeout time.Duration

	// AllowPrivateUpstreamHosts disables the SSRF guard on outbound PDS
	// requests; only ever set for local development against a PDS running
	// on localhost/a private network.
	AllowPrivateUpstreamHosts bool
}

// DefaultAccessTokenLifespan is the downstream access token TTL.
const DefaultAccessTokenLifespan = time.Hour

// DefaultRequestTimeout is the default upstream call deadline.
const DefaultRequestTimeout = 30 * time.Second

// ApplyDefaults fills in zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "memory"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "oatproxy"
	}
}

// Validate checks that Config is internally consistent.
func (c *Config) Validate() error {
	if c.PublicURL == "" {
		return fmt.Errorf("public url is required")
	}
	if c.DefaultPDSHost == "" {
		return fmt.Errorf("default pds host is required")
	}
	switch c.StorageBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis addr is required when storage backend is redis")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.StorageBackend)
	}
	return nil
}

// CallbackURL is the proxy's own OAuth callback, registered as the
// redirect_uri with every upstream PDS.
func (c *Config) CallbackURL() string {
	return c.PublicURL + "/oauth/return"
}

// ClientMetadataURL is the proxy's own client-metadata document URL, used
// as its client_id when registering with upstream PDSes.
func (c *Config) ClientMetadataURL() string {
	return c.PublicURL + "/oauth-client-metadata.json"
}

// ParURL, TokenURL, AuthorizeURL, RevokeURL, and JwksURL are the proxy's
// own downstream endpoint URLs, published in its authorization-server
// metadata document.
func (c *Config) ParURL() string       { return c.PublicURL + "/oauth/par" }
func (c *Config) TokenURL() string     { return c.PublicURL + "/oauth/token" }
func (c *Config) AuthorizeURL() string { return c.PublicURL + "/oauth/authorize" }
func (c *Config) RevokeURL() string    { return c.PublicURL + "/oauth/revoke" }
func (c *Config) JwksURL() string      { return c.PublicURL + "/oauth/jwks.json" }
