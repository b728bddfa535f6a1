// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/pkg/commons"
)

func newTestStore() Store {
	return NewStore(commons.NewNop())
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore()
	sess, err := s.Create("call-1")
	require.NoError(t, err)
	assert.Equal(t, "call-1", sess.CallID)
	assert.Equal(t, StatePlacing, sess.State())

	got, ok := s.Get("call-1")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestStoreCreateDuplicateFails(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("call-1")
	require.NoError(t, err)

	_, err = s.Create("call-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestStoreUpdateMutatesUnderLock(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("call-1")
	require.NoError(t, err)

	err = s.Update("call-1", func(cs *CallSession) {
		cs.SetState(StateListening)
	})
	require.NoError(t, err)

	sess, _ := s.Get("call-1")
	assert.Equal(t, StateListening, sess.State())
}

func TestStoreUpdateMissingReturnsNotFound(t *testing.T) {
	s := newTestStore()
	err := s.Update("nope", func(cs *CallSession) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("call-1")
	require.NoError(t, err)

	require.NoError(t, s.Remove("call-1"))
	_, ok := s.Get("call-1")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Remove("call-1"), ErrNotFound)
}

func TestStoreLenAndSnapshot(t *testing.T) {
	s := newTestStore()
	_, _ = s.Create("call-1")
	_, _ = s.Create("call-2")

	assert.Equal(t, 2, s.Len())
	assert.Len(t, s.Snapshot(), 2)
}

func TestStoreConcurrentUpdatesDifferentCallsDoNotBlock(t *testing.T) {
	s := newTestStore()
	_, _ = s.Create("call-1")
	_, _ = s.Create("call-2")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.Update("call-1", func(cs *CallSession) { cs.SetState(StateListening) })
	}()
	go func() {
		defer wg.Done()
		_ = s.Update("call-2", func(cs *CallSession) { cs.SetState(StateAgentSpeaking) })
	}()
	wg.Wait()

	s1, _ := s.Get("call-1")
	s2, _ := s.Get("call-2")
	assert.Equal(t, StateListening, s1.State())
	assert.Equal(t, StateAgentSpeaking, s2.State())
}

func TestCallSessionTurnIDMonotonic(t *testing.T) {
	sess := New("call-1")
	assert.Equal(t, uint64(0), sess.TurnID())
	t1 := sess.NextTurn()
	t2 := sess.NextTurn()
	assert.Equal(t, uint64(1), t1)
	assert.Equal(t, uint64(2), t2)
	assert.True(t, sess.IsStaleTurn(1))
	assert.False(t, sess.IsStaleTurn(2))
}

func TestCallSessionCheckInvariants(t *testing.T) {
	sess := New("call-1")
	assert.NoError(t, sess.CheckInvariants(0), "Placing needs no gating")

	sess.SetState(StateAgentSpeaking)
	assert.Error(t, sess.CheckInvariants(0), "AgentSpeaking with no gating tokens violates the invariant")
	assert.NoError(t, sess.CheckInvariants(1))

	sess.SetState(StateGreeting)
	assert.Error(t, sess.CheckInvariants(0))
}
