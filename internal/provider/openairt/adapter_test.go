// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package openairt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/pkg/commons"
)

func audioFrame() audio.Frame {
	return audio.Frame{Samples: []int16{1, 2, 3, 4}, RateHz: nativeRateHz}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(map[string]interface{}{}, commons.NewNop())
	assert.Error(t, err)
}

func TestNewDefaultsAndCapabilities(t *testing.T) {
	a, err := New(map[string]interface{}{"api_key": "sk-test"}, commons.NewNop())
	require.NoError(t, err)

	caps := a.Capabilities()
	assert.True(t, caps.SupportsBargeInEvents)
	assert.True(t, caps.Continuous)
	assert.Equal(t, nativeRateHz, caps.NativeInputRateHz)
}

func TestSendAudioBeforeStartSessionErrors(t *testing.T) {
	a, err := New(map[string]interface{}{"api_key": "sk-test"}, commons.NewNop())
	require.NoError(t, err)
	err = a.(*Adapter).SendAudio("call-1", audioFrame())
	assert.Error(t, err)
}

func TestRegistryWiring(t *testing.T) {
	r := provider.NewRegistry()
	r.Register("openai_realtime", provider.Capabilities{NativeInputRateHz: nativeRateHz, Continuous: true}, New)
	got, err := r.Create("openai_realtime", map[string]interface{}{"api_key": "sk-test"}, commons.NewNop())
	require.NoError(t, err)
	assert.True(t, got.Capabilities().Continuous)
}
