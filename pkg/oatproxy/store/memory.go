// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/logger"
)

// DefaultCleanupInterval is how often MemoryStore sweeps expired entries.
// TTL semantics are enforced at read time regardless, so the sweep is a
// memory-reclamation optimization, not a correctness requirement.
const DefaultCleanupInterval = time.Minute

// timedEntry wraps a value with its expiry.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore implements Store with in-memory maps. Thread-safe. Suitable
// for single-process deployments, development, and tests; RedisStore is
// the distributed-deployment counterpart.
type MemoryStore struct {
	mu sync.Mutex

	pars          map[string]*timedEntry[*PARRecord]
	pendingAuths  map[string]*timedEntry[*PendingAuthorization]
	authCodes     map[string]*timedEntry[*AuthCodeRecord]
	refreshTokens map[string]*timedEntry[*RefreshTokenRecord]
	burnedTokens  map[string]*timedEntry[*RefreshTokenRecord]
	activeSession map[string]string
	upstreamSess  map[string]*UpstreamSession      // key: did|sessionID
	upstreamKeys  map[string]*UpstreamKey          // key: sessionID
	upstreamNonce map[string]string                // key: sessionID
	seenJTI       map[string]*timedEntry[struct{}] // key: jkt|jti

	signingKey *ecdsa.PrivateKey
	hmacSecret []byte

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine; call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		pars:          make(map[string]*timedEntry[*PARRecord]),
		pendingAuths:  make(map[string]*timedEntry[*PendingAuthorization]),
		authCodes:     make(map[string]*timedEntry[*AuthCodeRecord]),
		refreshTokens: make(map[string]*timedEntry[*RefreshTokenRecord]),
		burnedTokens:  make(map[string]*timedEntry[*RefreshTokenRecord]),
		activeSession: make(map[string]string),
		upstreamSess:  make(map[string]*UpstreamSession),
		upstreamKeys:  make(map[string]*UpstreamKey),
		upstreamNonce: make(map[string]string),
		seenJTI:       make(map[string]*timedEntry[struct{}]),

		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func sessionKey(did, sessionID string) string { return did + "|" + sessionID }
func jtiKey(jkt, jti string) string { return jkt + "|" + jti }

// --- PAR ---

func (s *MemoryStore) StorePAR(_ context.Context, requestURI string, rec *PARRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pars[requestURI] = &timedEntry[*PARRecord]{value: rec, expiresAt: time.Now().Add(PARTTL)}
	return nil
}

func (s *MemoryStore) ConsumePAR(_ context.Context, requestURI string) (*PARRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pars[requestURI]
	delete(s.pars, requestURI)
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// --- Pending Authorization ---

func (s *MemoryStore) StorePendingAuthorization(_ context.Context, proxyState string, rec *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAuths[proxyState] = &timedEntry[*PendingAuthorization]{value: rec, expiresAt: time.Now().Add(PendingAuthTTL)}
	return nil
}

func (s *MemoryStore) ConsumePendingAuthorization(_ context.Context, proxyState string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pendingAuths[proxyState]
	delete(s.pendingAuths, proxyState)
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// --- Authorization Code ---

func (s *MemoryStore) StoreAuthCode(_ context.Context, code string, rec *AuthCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code] = &timedEntry[*AuthCodeRecord]{value: rec, expiresAt: time.Now().Add(AuthCodeTTL)}
	return nil
}

func (s *MemoryStore) ConsumeAuthCode(_ context.Context, code string) (*AuthCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.authCodes[code]
	delete(s.authCodes, code)
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// --- Refresh Token ---

func (s *MemoryStore) StoreRefreshToken(_ context.Context, token string, rec *RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = &timedEntry[*RefreshTokenRecord]{value: rec, expiresAt: time.Now().Add(RefreshTokenTTL)}
	return nil
}

func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, token string) (*RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refreshTokens[token]
	delete(s.refreshTokens, token)
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	// Keep the burn record so a second use of this rotated token is
	// distinguishable from a token that never existed.
	s.burnedTokens[token] = &timedEntry[*RefreshTokenRecord]{value: entry.value, expiresAt: time.Now().Add(BurnedRefreshTokenTTL)}
	return entry.value, nil
}

func (s *MemoryStore) GetBurnedRefreshToken(_ context.Context, token string) (*RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.burnedTokens[token]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// --- Active Session index ---

func (s *MemoryStore) UpdateActiveSession(_ context.Context, did, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSession[did] = sessionID
	return nil
}

func (s *MemoryStore) GetActiveSession(_ context.Context, did string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.activeSession[did]
	if !ok {
		return "", ErrNotFound
	}
	return sessionID, nil
}

// --- Upstream OAuth Session ---

func (s *MemoryStore) PutUpstreamSession(_ context.Context, sess *UpstreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.upstreamSess[sessionKey(sess.DID, sess.SessionID)] = &copied
	return nil
}

func (s *MemoryStore) GetUpstreamSession(_ context.Context, did, sessionID string) (*UpstreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.upstreamSess[sessionKey(did, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) DeleteUpstreamSession(_ context.Context, did, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreamSess, sessionKey(did, sessionID))
	return nil
}

// --- Upstream DPoP key ---

func (s *MemoryStore) PutUpstreamKey(_ context.Context, key *UpstreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *key
	s.upstreamKeys[key.SessionID] = &copied
	return nil
}

func (s *MemoryStore) GetUpstreamKey(_ context.Context, sessionID string) (*UpstreamKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.upstreamKeys[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *key
	return &copied, nil
}

func (s *MemoryStore) DeleteUpstreamKey(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreamKeys, sessionID)
	return nil
}

// --- Upstream nonce cache ---

func (s *MemoryStore) SetUpstreamNonce(_ context.Context, sessionID, nonceValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamNonce[sessionID] = nonceValue
	return nil
}

func (s *MemoryStore) GetUpstreamNonce(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamNonce[sessionID], nil
}

func (s *MemoryStore) DeleteUpstreamNonce(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreamNonce, sessionID)
	return nil
}

// --- Seen-JTI replay set ---

func (s *MemoryStore) CheckAndRecord(_ context.Context, jkt, jti string, observedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jtiKey(jkt, jti)
	if entry, ok := s.seenJTI[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	s.seenJTI[key] = &timedEntry[struct{}]{expiresAt: observedAt.Add(SeenJTITTL)}
	return true, nil
}

// --- Signing key / HMAC secret singletons ---

func (s *MemoryStore) GetOrCreateSigningKey(_ context.Context) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signingKey != nil {
		return s.signingKey, nil
	}
	key, err := cryptoutil.GenerateP256Key()
	if err != nil {
		return nil, err
	}
	logger.Infow("generated proxy signing key", "store", "memory")
	s.signingKey = key
	return s.signingKey, nil
}

func (s *MemoryStore) GetOrCreateHMACSecret(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hmacSecret != nil {
		return s.hmacSecret, nil
	}
	secret, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	logger.Infow("generated hmac secret", "store", "memory")
	s.hmacSecret = secret
	return s.hmacSecret, nil
}

// --- Revocation ---

func (s *MemoryStore) RevokeSession(_ context.Context, did, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreamSess, sessionKey(did, sessionID))
	delete(s.upstreamKeys, sessionID)
	delete(s.upstreamNonce, sessionID)
	if current, ok := s.activeSession[did]; ok && current == sessionID {
		delete(s.activeSession, did)
	}
	return nil
}

// --- Lifecycle ---

func (*MemoryStore) Health(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sweepMap(s.pars, now)
	sweepMap(s.pendingAuths, now)
	sweepMap(s.authCodes, now)
	sweepMap(s.refreshTokens, now)
	sweepMap(s.burnedTokens, now)
	sweepMap(s.seenJTI, now)
}

func sweepMap[T any](m map[string]*timedEntry[T], now time.Time) {
	for k, v := range m {
		if v.expired(now) {
			delete(m, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
