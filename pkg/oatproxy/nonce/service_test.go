// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nonce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/espeon/oatproxy/pkg/oatproxy/dpop"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestMintVerifyRoundTrip(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	n := svc.Mint("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/par")
	require.True(t, svc.VerifyNonce("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/par", n))
}

func TestVerifyRejectsWrongJKTOrEndpointOrPurpose(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	n := svc.Mint("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/par")
	require.False(t, svc.VerifyNonce("jkt-2", dpop.PurposePAR, "https://proxy.example/oauth/par", n))
	require.False(t, svc.VerifyNonce("jkt-1", dpop.PurposeToken, "https://proxy.example/oauth/par", n))
	require.False(t, svc.VerifyNonce("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/token", n))
}

func TestVerifyRejectsEmptyOrGarbageNonce(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	require.False(t, svc.VerifyNonce("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/par", ""))
	require.False(t, svc.VerifyNonce("jkt-1", dpop.PurposePAR, "https://proxy.example/oauth/par", "garbage"))
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService([]byte("too-short"))
	require.Error(t, err)
}

// With no fake clock, this only checks that two mints 10ms apart within
// one time slot produce the same nonce. Acceptance of a previous-slot
// nonce and rejection of an older one are not exercised here.
func TestMintIsStableWithinSameSlot(t *testing.T) {
	svc, err := NewService(testSecret())
	require.NoError(t, err)

	a := svc.Mint("jkt-1", dpop.PurposeToken, "https://proxy.example/oauth/token")
	time.Sleep(10 * time.Millisecond)
	b := svc.Mint("jkt-1", dpop.PurposeToken, "https://proxy.example/oauth/token")
	require.Equal(t, a, b)
}
