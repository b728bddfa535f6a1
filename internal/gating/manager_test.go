// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package gating

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rapidaai/voicecore/pkg/commons"
)

func TestAcquireGatesImmediately(t *testing.T) {
	m := New(commons.NewNop())
	assert.False(t, m.IsGated("call-1"))

	m.Acquire("call-1", "tts-segment")
	assert.True(t, m.IsGated("call-1"))
}

func TestReleaseUngatesWhenLastTokenRemoved(t *testing.T) {
	m := New(commons.NewNop())
	h1 := m.Acquire("call-1", "greeting")
	h2 := m.Acquire("call-1", "tts-segment")
	assert.Equal(t, 2, m.TokenCount("call-1"))

	m.Release(h1)
	assert.True(t, m.IsGated("call-1"), "second token still held")

	m.Release(h2)
	assert.False(t, m.IsGated("call-1"))
}

func TestReleaseRemovesExactlyOneToken(t *testing.T) {
	m := New(commons.NewNop())
	m.Acquire("call-1", "tts-segment")
	h2 := m.Acquire("call-1", "tts-segment")
	assert.Equal(t, 2, m.TokenCount("call-1"))

	m.Release(h2)
	assert.Equal(t, 1, m.TokenCount("call-1"))
}

func TestAcquireReleaseMatchedCountsLeaveTokensUnchanged(t *testing.T) {
	m := New(commons.NewNop())
	before := m.TokenCount("call-1")
	h := m.Acquire("call-1", "tool-running")
	m.Release(h)
	assert.Equal(t, before, m.TokenCount("call-1"))
}

func TestArmPostTTSGuardGatesUntilExpiry(t *testing.T) {
	m := New(commons.NewNop())
	m.ArmPostTTSGuard("call-1", 20*time.Millisecond)
	assert.True(t, m.IsGated("call-1"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.IsGated("call-1"))
}

func TestArmPostTTSGuardNeverShrinksWindow(t *testing.T) {
	m := New(commons.NewNop())
	m.ArmPostTTSGuard("call-1", 200*time.Millisecond)
	m.ArmPostTTSGuard("call-1", 10*time.Millisecond) // shorter, must not shrink

	time.Sleep(30 * time.Millisecond)
	assert.True(t, m.IsGated("call-1"), "a shorter re-arm must not shrink the existing guard window")
}

func TestReleaseUnknownHandleIsNoOp(t *testing.T) {
	m := New(commons.NewNop())
	m.Release(Handle{callID: "nope", seq: 99})
	assert.False(t, m.IsGated("nope"))
}

func TestReleaseAllClearsEveryToken(t *testing.T) {
	m := New(commons.NewNop())
	m.Acquire("call-1", "greeting")
	m.Acquire("call-1", "tts-segment")

	m.ReleaseAll("call-1")
	assert.Equal(t, 0, m.TokenCount("call-1"))
}

func TestForgetDropsPerCallState(t *testing.T) {
	m := New(commons.NewNop())
	m.Acquire("call-1", "greeting")
	m.Forget("call-1")
	assert.Equal(t, 0, m.TokenCount("call-1"))
}
