// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package provider is the contract between the call pipeline and the
// upstream conversational engine: the abstract Adapter interface the core
// consumes, plus a name-keyed registry for pluggable implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// Capabilities is the declared shape of one adapter.
type Capabilities struct {
	// SupportsBargeInEvents is true when the adapter itself reports
	// speech_started/speech_stopped; the coordinator's energy-based
	// barge-in estimator then acts only as a fallback.
	SupportsBargeInEvents bool
	// NativeInputRateHz is the PCM rate send_audio expects.
	NativeInputRateHz int
	// Continuous is true for a full-duplex realtime agent emitting one
	// logical response per turn; false for pipeline-mode (STT->LLM->TTS)
	// adapters emitting distinct segments.
	Continuous bool
}

// Adapter is the external contract every concrete provider integration
// implements. The core never imports a concrete adapter package directly;
// it resolves one by name via Registry.
type Adapter interface {
	Capabilities() Capabilities
	// StartSession begins a logical session for callID. initialContext
	// carries dialplan-supplied AI_CONTEXT values.
	StartSession(ctx context.Context, callID string, profile session.Profile, initialContext map[string]string) error
	// SendAudio forwards one inbound frame, already at the adapter's
	// negotiated rate/encoding. The core guarantees >=100ms cumulative
	// audio between commit boundaries, so adapters never see an empty
	// commit.
	SendAudio(callID string, frame audio.Frame) error
	// CancelResponse requests cancellation of any in-flight response;
	// idempotent from the core's side.
	CancelResponse(callID string) error
	// EndSession tears down the logical session. Idempotent.
	EndSession(callID string) error
	// OnEvent registers the sink events are pushed to, in provider-emitted
	// order, for the lifetime of the adapter (one registration per
	// adapter instance; instances are not shared across calls by
	// convention, see Factory).
	OnEvent(fn func(session.Event))
}

// Factory constructs one Adapter instance, typically scoped to a single
// call so per-call adapter state never crosses calls.
type Factory func(cfg map[string]interface{}, logger commons.Logger) (Adapter, error)

// ErrUnknownProvider is returned by Registry.Create for an unregistered
// name.
var ErrUnknownProvider = errors.New("provider: unknown provider name")

// Registry is the process-wide, name-keyed provider factory table.
// Callers hold a *Registry handle; there is no package-level global.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Factory
	declared map[string]Capabilities
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Factory), declared: make(map[string]Capabilities)}
}

// Register adds name's factory and its declared capability struct. Later
// registrations of the same name replace the earlier one (useful for test
// doubles).
func (r *Registry) Register(name string, caps Capabilities, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = factory
	r.declared[name] = caps
}

// Create resolves name and constructs a new Adapter instance scoped to one
// call.
func (r *Registry) Create(name string, cfg map[string]interface{}, logger commons.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return factory(cfg, logger)
}

// Capabilities returns the declared capability struct for name without
// constructing an instance.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.declared[name]
	return c, ok
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
