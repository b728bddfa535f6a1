// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package deepgramstt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/pkg/commons"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(map[string]interface{}{}, commons.NewNop())
	assert.Error(t, err)
}

func TestCapabilitiesDeclarePipelineMode(t *testing.T) {
	a, err := New(map[string]interface{}{"api_key": "dg-test"}, commons.NewNop())
	require.NoError(t, err)

	caps := a.Capabilities()
	assert.False(t, caps.SupportsBargeInEvents)
	assert.False(t, caps.Continuous)
	assert.Equal(t, nativeRateHz, caps.NativeInputRateHz)
}

func TestCancelResponseIsNoopOnSTTLeg(t *testing.T) {
	a, err := New(map[string]interface{}{"api_key": "dg-test"}, commons.NewNop())
	require.NoError(t, err)
	assert.NoError(t, a.CancelResponse("call-1"))
}

func TestSendAudioBeforeStartSessionErrors(t *testing.T) {
	a, err := New(map[string]interface{}{"api_key": "dg-test"}, commons.NewNop())
	require.NoError(t, err)
	err = a.(*Adapter).SendAudio("call-1", audio.Frame{Samples: []int16{1, 2}})
	assert.Error(t, err)
}
