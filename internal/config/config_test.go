// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Streaming.MinStartMs)
	assert.Equal(t, 200, cfg.Streaming.LowWatermarkMs)
	assert.Equal(t, 300, cfg.Gating.PostTTSGuardMs)
	assert.True(t, cfg.BargeIn.Enabled)
	assert.Equal(t, 0.08, cfg.BargeIn.EnergyThreshold)
	assert.Equal(t, "rtp", cfg.Transport.Default)
	assert.Equal(t, "0.0.0.0:8090", cfg.Transport.AudioSocketBind)
	assert.Equal(t, "ari", cfg.PBX.Kind)
	assert.Equal(t, 10*time.Second, cfg.ProviderHandshakeTimeout)
	assert.Equal(t, 60*time.Second, cfg.SilentInboundTimeout)
}

func TestLoadEnforcesMinCommitFloor(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.ProviderMinCommitMs)
}

func TestResolveProviderNamePrecedence(t *testing.T) {
	cfg := &AppConfig{
		ProviderDefault:   "fallback",
		ProviderByContext: map[string]string{"support-line": "deepgram_stt"},
	}

	assert.Equal(t, "explicit", cfg.ResolveProviderName("explicit", "support-line"),
		"an explicit channel variable beats everything")
	assert.Equal(t, "deepgram_stt", cfg.ResolveProviderName("", "support-line"))
	assert.Equal(t, "fallback", cfg.ResolveProviderName("", "unmapped-context"))
	assert.Equal(t, "fallback", cfg.ResolveProviderName("", ""))
}

func TestProfileByName(t *testing.T) {
	cfg := &AppConfig{Audio: AudioConfig{Profiles: []AudioProfile{{Name: "default", IngressRateHz: 8000}}}}

	p, ok := cfg.ProfileByName("default")
	require.True(t, ok)
	assert.Equal(t, 8000, p.IngressRateHz)

	_, ok = cfg.ProfileByName("nope")
	assert.False(t, ok)
}

func TestCallOverrides(t *testing.T) {
	o := NewCallOverrides(
		WithProfile("narrowband"),
		WithTransportKind("audiosocket"),
		WithProvider("openai_realtime"),
		WithContext(map[string]string{"instructions": "be brief"}),
	)
	assert.Equal(t, "narrowband", o.ProfileName)
	assert.Equal(t, "audiosocket", o.TransportKind)
	assert.Equal(t, "openai_realtime", o.ProviderName)
	assert.Equal(t, "be brief", o.Context["instructions"])
}
