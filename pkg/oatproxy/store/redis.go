// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/logger"
)

// RedisStore implements Store over Redis, for deployments that scale
// horizontally behind shared storage. Atomic consume is implemented with
// GETDEL (a single round trip, available since Redis 6.2): exactly one
// concurrent caller observes the value, so a naive read-then-delete race
// cannot redeem the same record twice.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client. keyPrefix namespaces every
// key this store touches, e.g. "oatproxy:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// putIdempotent retries transient failures with bounded backoff. Only
// overwrite-style SETs on unique keys go through here; consumes are never
// retried because partial success is indistinguishable from failure.
func putIdempotent(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

// --- PAR ---

func (s *RedisStore) StorePAR(ctx context.Context, requestURI string, rec *PARRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("par", requestURI), b, PARTTL).Err()
	})
}

func (s *RedisStore) ConsumePAR(ctx context.Context, requestURI string) (*PARRecord, error) {
	var rec PARRecord
	if err := s.getDel(ctx, s.key("par", requestURI), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Pending Authorization ---

func (s *RedisStore) StorePendingAuthorization(ctx context.Context, proxyState string, rec *PendingAuthorization) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("pending", proxyState), b, PendingAuthTTL).Err()
	})
}

func (s *RedisStore) ConsumePendingAuthorization(ctx context.Context, proxyState string) (*PendingAuthorization, error) {
	var rec PendingAuthorization
	if err := s.getDel(ctx, s.key("pending", proxyState), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Authorization Code ---

func (s *RedisStore) StoreAuthCode(ctx context.Context, code string, rec *AuthCodeRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("code", code), b, AuthCodeTTL).Err()
	})
}

func (s *RedisStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthCodeRecord, error) {
	var rec AuthCodeRecord
	if err := s.getDel(ctx, s.key("code", code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Refresh Token ---

func (s *RedisStore) StoreRefreshToken(ctx context.Context, token string, rec *RefreshTokenRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("refresh", token), b, RefreshTokenTTL).Err()
	})
}

func (s *RedisStore) ConsumeRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := s.getDel(ctx, s.key("refresh", token), &rec); err != nil {
		return nil, err
	}
	// Keep the burn record so a second use of this rotated token is
	// distinguishable from a token that never existed.
	if b, err := marshal(&rec); err == nil {
		if err := s.client.Set(ctx, s.key("burned", token), b, BurnedRefreshTokenTTL).Err(); err != nil {
			logger.Warnw("failed to record burned refresh token", "error", err)
		}
	}
	return &rec, nil
}

func (s *RedisStore) GetBurnedRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := s.get(ctx, s.key("burned", token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Active Session index ---

func (s *RedisStore) UpdateActiveSession(ctx context.Context, did, sessionID string) error {
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("active", did), sessionID, 0).Err()
	})
}

func (s *RedisStore) GetActiveSession(ctx context.Context, did string) (string, error) {
	v, err := s.client.Get(ctx, s.key("active", did)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get active session: %w", err)
	}
	return v, nil
}

// --- Upstream OAuth Session ---

func (s *RedisStore) PutUpstreamSession(ctx context.Context, sess *UpstreamSession) error {
	b, err := marshal(sess)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("session", sess.DID, sess.SessionID), b, 0).Err()
	})
}

func (s *RedisStore) GetUpstreamSession(ctx context.Context, did, sessionID string) (*UpstreamSession, error) {
	var sess UpstreamSession
	if err := s.get(ctx, s.key("session", did, sessionID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) DeleteUpstreamSession(ctx context.Context, did, sessionID string) error {
	return s.client.Del(ctx, s.key("session", did, sessionID)).Err()
}

// --- Upstream DPoP key ---

func (s *RedisStore) PutUpstreamKey(ctx context.Context, key *UpstreamKey) error {
	b, err := marshal(key)
	if err != nil {
		return err
	}
	return putIdempotent(ctx, func() error {
		return s.client.Set(ctx, s.key("upkey", key.SessionID), b, 0).Err()
	})
}

func (s *RedisStore) GetUpstreamKey(ctx context.Context, sessionID string) (*UpstreamKey, error) {
	var key UpstreamKey
	if err := s.get(ctx, s.key("upkey", sessionID), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *RedisStore) DeleteUpstreamKey(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key("upkey", sessionID)).Err()
}

// --- Upstream nonce cache ---

func (s *RedisStore) SetUpstreamNonce(ctx context.Context, sessionID, nonceValue string) error {
	return s.client.Set(ctx, s.key("upnonce", sessionID), nonceValue, 0).Err()
}

func (s *RedisStore) GetUpstreamNonce(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, s.key("upnonce", sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get upstream nonce: %w", err)
	}
	return v, nil
}

func (s *RedisStore) DeleteUpstreamNonce(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key("upnonce", sessionID)).Err()
}

// --- Seen-JTI replay set ---

func (s *RedisStore) CheckAndRecord(ctx context.Context, jkt, jti string, observedAt time.Time) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("jti", jkt, jti), observedAt.Unix(), SeenJTITTL).Result()
	if err != nil {
		return false, fmt.Errorf("check-and-record jti: %w", err)
	}
	return ok, nil
}

// --- Signing key / HMAC secret singletons ---

func (s *RedisStore) GetOrCreateSigningKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	key := s.key("signingkey")
	der, err := s.getOrCreateSingleton(ctx, key, func() ([]byte, error) {
		k, err := cryptoutil.GenerateP256Key()
		if err != nil {
			return nil, err
		}
		return cryptoutil.MarshalPrivateKey(k)
	})
	if err != nil {
		return nil, err
	}
	return cryptoutil.UnmarshalPrivateKey(der)
}

func (s *RedisStore) GetOrCreateHMACSecret(ctx context.Context) ([]byte, error) {
	key := s.key("hmacsecret")
	return s.getOrCreateSingleton(ctx, key, func() ([]byte, error) {
		return cryptoutil.RandomBytes(32)
	})
}

// getOrCreateSingleton implements the persisted get-or-generate-once
// pattern: SETNX the freshly generated value, then GET the canonical
// value so that if two replicas race at first boot, both converge on
// whichever one's SETNX won.
func (s *RedisStore) getOrCreateSingleton(ctx context.Context, key string, generate func() ([]byte, error)) ([]byte, error) {
	existing, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get singleton %s: %w", key, err)
	}

	generated, err := generate()
	if err != nil {
		return nil, err
	}
	if _, err := s.client.SetNX(ctx, key, generated, 0).Result(); err != nil {
		return nil, fmt.Errorf("setnx singleton %s: %w", key, err)
	}

	winner, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get singleton %s after setnx: %w", key, err)
	}
	logger.Infow("resolved singleton secret", "key", key)
	return winner, nil
}

// --- Revocation ---

func (s *RedisStore) RevokeSession(ctx context.Context, did, sessionID string) error {
	keys := []string{
		s.key("session", did, sessionID),
		s.key("upkey", sessionID),
		s.key("upnonce", sessionID),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	current, err := s.GetActiveSession(ctx, did)
	if err == nil && current == sessionID {
		if err := s.client.Del(ctx, s.key("active", did)).Err(); err != nil {
			return fmt.Errorf("revoke active session index: %w", err)
		}
	}
	return nil
}

// --- Lifecycle ---

func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- helpers ---

func (s *RedisStore) get(ctx context.Context, key string, dst any) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getDel(ctx context.Context, key string, dst any) error {
	b, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("getdel %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
