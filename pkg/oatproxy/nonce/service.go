// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package nonce implements the proxy's two nonce concepts.
//
// The downstream nonce the proxy mints for its own endpoints (PAR, token)
// is stateless: it is an HMAC over (purpose, jkt, endpoint, time slot), so
// verifying it requires no storage lookup at all, just the shared secret.
// The upstream nonce the PDS mints is opaque and must be cached per
// session; that cache is a storage port (see pkg/oatproxy/store) and is
// not this package's concern.
package nonce

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/espeon/oatproxy/pkg/oatproxy/cryptoutil"
	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
)

// SlotWidth is the width of one time slot for downstream nonce minting.
const SlotWidth = 2 * time.Minute

// macSize is how many bytes of the HMAC digest are embedded in the nonce.
// 16 bytes (128 bits) is ample for this anti-replay/freshness use, well
// short of the full 32-byte SHA-256 digest.
const macSize = 16

// Service mints and verifies the proxy's own stateless downstream nonces.
// It implements dpop.NonceVerifier.
type Service struct {
	secret []byte
}

// NewService builds a Service over the process HMAC secret, which must be
// at least 32 bytes.
func NewService(secret []byte) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Service{secret: secret}, nil
}

// Mint produces a fresh downstream nonce for (purpose, jkt, endpoint),
// bound to the current time slot.
func (s *Service) Mint(jkt string, purpose dpop.Purpose, endpoint string) string {
	return s.mintForSlot(jkt, purpose, endpoint, currentSlot())
}

// VerifyNonce reports whether nonce is valid for (jkt, purpose, endpoint)
// in the current or immediately preceding time slot, so a minted nonce
// stays accepted for up to 2x SlotWidth.
func (s *Service) VerifyNonce(jkt string, purpose dpop.Purpose, endpoint, providedNonce string) bool {
	if providedNonce == "" {
		return false
	}
	slot := currentSlot()
	for _, candidate := range []int64{slot, slot - 1} {
		expected := s.mintForSlot(jkt, purpose, endpoint, candidate)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(providedNonce)) == 1 {
			return true
		}
	}
	return false
}

func (s *Service) mintForSlot(jkt string, purpose dpop.Purpose, endpoint string, slot int64) string {
	slotBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(slotBytes, uint64(slot))

	message := append([]byte(string(purpose)+"|"+jkt+"|"+endpoint+"|"), slotBytes...)
	mac := cryptoutil.HMACSHA256(s.secret, message)

	payload := append(slotBytes, mac[:macSize]...)
	return cryptoutil.Base64URLEncode(payload)
}

func currentSlot() int64 {
	return time.Now().Unix() / int64(SlotWidth.Seconds())
}

// compile-time interface check.
var _ dpop.NonceVerifier = (*Service)(nil)
