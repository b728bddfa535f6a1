// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import "fmt"

// Codec identifies an audio encoding at a rate, mirroring the SDP Codec
// shape used by the transport layer but scoped to the Codec Kit's view
// (name + rate only, no RTP payload type).
type Codec struct {
	Name   string // "mulaw" | "alaw" | "pcm16"
	RateHz int
}

// Profile is the resolved (ingress, provider, egress) codec triple for one
// call. A value, not a service.
type Profile struct {
	Name     string
	Ingress  Codec
	Provider Codec
	Egress   Codec
}

// ErrProfileNotFound is returned by Resolve when no profile matches; the
// call is rejected at setup.
var ErrProfileNotFound = fmt.Errorf("audio: profile not found")

// ProfileSource supplies the named profile definitions loaded from
// configuration (the audio.profiles key). Registry does not use it:
// NewRegistry takes a []Profile built by the caller.
type ProfileSource interface {
	Profile(name string) (Profile, bool)
}

// Registry is a pure lookup + validation table over an immutable set of
// profiles, built once at process init.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a Registry from a fixed profile set. The set is
// immutable after construction.
func NewRegistry(profiles []Profile) (*Registry, error) {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("audio: invalid profile %q: %w", p.Name, err)
		}
		m[p.Name] = p
	}
	return &Registry{profiles: m}, nil
}

func validate(p Profile) error {
	for _, c := range []Codec{p.Ingress, p.Provider, p.Egress} {
		if c.Name == "" || c.RateHz <= 0 {
			return fmt.Errorf("codec %+v missing name or rate", c)
		}
	}
	return nil
}

// Resolve looks up a profile by (transportKind, providerName) via the
// naming convention "<transportKind>-<providerName>", falling back to the
// bare providerName, then to "default". A miss rejects the call.
func (r *Registry) Resolve(transportKind, providerName string) (Profile, error) {
	candidates := []string{
		transportKind + "-" + providerName,
		providerName,
		"default",
	}
	for _, name := range candidates {
		if p, ok := r.profiles[name]; ok {
			return p, nil
		}
	}
	return Profile{}, ErrProfileNotFound
}

// ByName resolves an explicit profile override (the orchestrator passes
// the AI_AUDIO_PROFILE channel variable).
func (r *Registry) ByName(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}
