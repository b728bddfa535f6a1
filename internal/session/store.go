// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"sync"

	"github.com/rapidaai/voicecore/pkg/commons"
)

// Store is the process-wide call_id -> CallSession map. All mutating
// operations are serialized per call-id; iteration is lock-free and may
// observe a slightly stale view.
type Store interface {
	Create(callID string) (*CallSession, error)
	Get(callID string) (*CallSession, bool)
	Update(callID string, fn func(*CallSession)) error
	Remove(callID string) error
	// Len returns the current session count (housekeeping/metrics).
	Len() int
	// Snapshot returns a copy-on-iterate slice of every live session,
	// safe to range over without holding the store lock.
	Snapshot() []*CallSession
}

type memStore struct {
	logger commons.Logger

	mu    sync.RWMutex
	calls map[string]*callEntry
}

type callEntry struct {
	session *CallSession
	lock    sync.Mutex // single-writer discipline for this call's mutations
}

// NewStore builds an in-memory session store. A durable tier (Postgres)
// can be layered on top via a Recorder; the in-memory map remains the
// source of truth for live, in-process sessions.
func NewStore(logger commons.Logger) Store {
	return &memStore{
		logger: logger,
		calls:  make(map[string]*callEntry),
	}
}

func (s *memStore) Create(callID string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[callID]; exists {
		return nil, ErrAlreadyExists
	}
	sess := New(callID)
	s.calls[callID] = &callEntry{session: sess}
	s.logger.Debugw("session created", "call_id", callID)
	return sess, nil
}

func (s *memStore) Get(callID string) (*CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.calls[callID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Update applies fn to the session under that call's single-writer lock.
// The store-level RWMutex is only held long enough to find the entry, so
// concurrent updates to different calls never contend with each other.
func (s *memStore) Update(callID string, fn func(*CallSession)) error {
	s.mu.RLock()
	e, ok := s.calls[callID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	fn(e.session)
	return nil
}

func (s *memStore) Remove(callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return ErrNotFound
	}
	delete(s.calls, callID)
	s.logger.Debugw("session removed", "call_id", callID)
	return nil
}

func (s *memStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

func (s *memStore) Snapshot() []*CallSession {
	s.mu.RLock()
	out := make([]*CallSession, 0, len(s.calls))
	for _, e := range s.calls {
		out = append(out, e.session)
	}
	s.mu.RUnlock()
	return out
}
