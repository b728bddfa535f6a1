// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfiles() []Profile {
	return []Profile{
		{
			Name:     "default",
			Ingress:  Codec{Name: "mulaw", RateHz: 8000},
			Provider: Codec{Name: "pcm16", RateHz: 24000},
			Egress:   Codec{Name: "mulaw", RateHz: 8000},
		},
		{
			Name:     "rtp-openai",
			Ingress:  Codec{Name: "pcm16", RateHz: 8000},
			Provider: Codec{Name: "pcm16", RateHz: 24000},
			Egress:   Codec{Name: "pcm16", RateHz: 8000},
		},
	}
}

func TestRegistryResolveByTransportAndProvider(t *testing.T) {
	reg, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	p, err := reg.Resolve("rtp", "openai")
	require.NoError(t, err)
	assert.Equal(t, "rtp-openai", p.Name)
}

func TestRegistryResolveFallsBackToDefault(t *testing.T) {
	reg, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	p, err := reg.Resolve("audiosocket", "unknown-provider")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
}

func TestRegistryResolveNotFoundIsFatal(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = reg.Resolve("rtp", "anything")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestNewRegistryRejectsInvalidProfile(t *testing.T) {
	_, err := NewRegistry([]Profile{{Name: "bad"}})
	assert.Error(t, err)
}

func TestRegistryByName(t *testing.T) {
	reg, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	p, err := reg.ByName("rtp-openai")
	require.NoError(t, err)
	assert.Equal(t, 24000, p.Provider.RateHz)

	_, err = reg.ByName("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
