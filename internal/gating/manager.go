// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package gating is a per-call, token-counted mute controller on the
// inbound path: capture is suppressed while any token is held or the
// post-TTS guard window is open.
package gating

import (
	"sync"
	"time"

	"github.com/rapidaai/voicecore/pkg/commons"
)

// Handle is the opaque release token returned by Acquire.
type Handle struct {
	callID string
	reason string
	seq    uint64
}

type callState struct {
	mu                sync.Mutex
	tokens            map[uint64]string
	nextSeq           uint64
	postTTSGuardUntil time.Time
}

// Manager is the process-wide gating service; it owns per-call token
// multisets keyed by call-id. Callers hold a *Manager handle, there is no
// package-level global.
type Manager struct {
	logger commons.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// New constructs a Gating Manager.
func New(logger commons.Logger) *Manager {
	return &Manager{logger: logger, calls: make(map[string]*callState)}
}

func (m *Manager) state(callID string) *callState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.calls[callID]
	if !ok {
		cs = &callState{tokens: make(map[uint64]string)}
		m.calls[callID] = cs
	}
	return cs
}

// Acquire increments the token multiset for callID under reason and
// returns an opaque release Handle. Once Acquire returns, the very next
// call to IsGated(callID) returns true; there is no race window in which
// a frame can leak upstream.
func (m *Manager) Acquire(callID, reason string) Handle {
	cs := m.state(callID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.nextSeq++
	seq := cs.nextSeq
	cs.tokens[seq] = reason
	m.logger.Debugw("gating acquired", "call_id", callID, "reason", reason)
	return Handle{callID: callID, reason: reason, seq: seq}
}

// Release removes exactly the token identified by h. Releasing an
// already-released or unknown handle is a no-op (idempotent).
func (m *Manager) Release(h Handle) {
	m.mu.Lock()
	cs, ok := m.calls[h.callID]
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.tokens, h.seq)
	cs.mu.Unlock()
	m.logger.Debugw("gating released", "call_id", h.callID, "reason", h.reason)
}

// ArmPostTTSGuard sets the guard deadline to max(now+duration, current
// deadline) for callID, so overlapping arms only ever extend the window.
func (m *Manager) ArmPostTTSGuard(callID string, duration time.Duration) {
	cs := m.state(callID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	candidate := time.Now().Add(duration)
	if candidate.After(cs.postTTSGuardUntil) {
		cs.postTTSGuardUntil = candidate
	}
}

// IsGated reports whether any token is held or the post-TTS guard window
// is still open.
func (m *Manager) IsGated(callID string) bool {
	cs := m.state(callID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.tokens) > 0 {
		return true
	}
	return time.Now().Before(cs.postTTSGuardUntil)
}

// TokenCount returns the current token count for callID, for metrics/tests.
func (m *Manager) TokenCount(callID string) int {
	cs := m.state(callID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.tokens)
}

// ReleaseAll drops every token for callID, used at teardown and on
// barge-in cancellation.
func (m *Manager) ReleaseAll(callID string) {
	cs := m.state(callID)
	cs.mu.Lock()
	cs.tokens = make(map[uint64]string)
	cs.mu.Unlock()
}

// Forget drops all per-call state for callID; called at teardown once no
// further Acquire/Release for that call can occur.
func (m *Manager) Forget(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
}
