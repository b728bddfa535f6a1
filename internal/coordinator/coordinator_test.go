// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/gating"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

type fakeHooks struct {
	playbackStarted   int
	playbackCancelled int
	playbackDone      int
	providerCancelled int
	tornDown          int
	tornDownReason    string
}

func (h *fakeHooks) StartPlayback(string, uint64) error  { h.playbackStarted++; return nil }
func (h *fakeHooks) CancelPlayback(string, string) error { h.playbackCancelled++; return nil }
func (h *fakeHooks) MarkPlaybackDone(string) error       { h.playbackDone++; return nil }
func (h *fakeHooks) CancelProviderResponse(string) error { h.providerCancelled++; return nil }
func (h *fakeHooks) TeardownCall(_ string, reason string) {
	h.tornDown++
	h.tornDownReason = reason
}

type fakeEstimator struct {
	speech bool
}

func (f *fakeEstimator) IsSpeech([]int16) (bool, error) { return f.speech, nil }

func loudSamples() []int16 {
	samples := make([]int16, 160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 20000
		} else {
			samples[i] = -20000
		}
	}
	return samples
}

func newTestCoordinator(hooks *fakeHooks, bargeIn config.BargeInConfig) *Coordinator {
	logger := commons.NewNop()
	gate := gating.New(logger)
	return New(logger, hooks, gate, bargeIn, 300)
}

func TestAgentAudioChunkStartsPlaybackAndAdvancesTurn(t *testing.T) {
	hooks := &fakeHooks{}
	c := newTestCoordinator(hooks, config.BargeInConfig{Enabled: true, EnergyThreshold: 0.08, MinMs: 100})
	sess := session.New("call-1")

	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioChunk, TurnID: sess.TurnID()}))
	assert.Equal(t, 1, hooks.playbackStarted)
	assert.Equal(t, TurnAgentSpeaking, c.State("call-1"))

	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioDone, TurnID: sess.TurnID()}))
	assert.Equal(t, 1, hooks.playbackDone)
	assert.Equal(t, TurnIdle, c.State("call-1"))
}

func TestBargeInRequiresSustainedEnergy(t *testing.T) {
	hooks := &fakeHooks{}
	c := newTestCoordinator(hooks, config.BargeInConfig{Enabled: true, EnergyThreshold: 0.08, MinMs: 50})
	sess := session.New("call-1")
	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioChunk, TurnID: sess.TurnID()}))

	require.NoError(t, c.ObserveInboundEnergy(sess, loudSamples()))
	assert.Equal(t, TurnAgentSpeaking, c.State("call-1"), "single loud frame only arms the timer")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.ObserveInboundEnergy(sess, loudSamples()))
	assert.Equal(t, TurnCallerSpeaking, c.State("call-1"))
	assert.Equal(t, 1, hooks.playbackCancelled)
	assert.Equal(t, 1, hooks.providerCancelled)
}

func TestVADCorroborationSuppressesFalseBargeIn(t *testing.T) {
	hooks := &fakeHooks{}
	c := newTestCoordinator(hooks, config.BargeInConfig{Enabled: true, EnergyThreshold: 0.08, MinMs: 10, VADEnabled: true})
	sess := session.New("call-1")
	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioChunk, TurnID: sess.TurnID()}))

	c.RegisterSpeechEstimator("call-1", &fakeEstimator{speech: false})

	require.NoError(t, c.ObserveInboundEnergy(sess, loudSamples()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.ObserveInboundEnergy(sess, loudSamples()))

	assert.Equal(t, TurnAgentSpeaking, c.State("call-1"), "loud non-speech energy must not trigger barge-in when VAD disagrees")
	assert.Equal(t, 0, hooks.playbackCancelled)
}

func TestProviderTerminalEventTriggersTeardownHook(t *testing.T) {
	hooks := &fakeHooks{}
	c := newTestCoordinator(hooks, config.BargeInConfig{Enabled: true, EnergyThreshold: 0.08, MinMs: 50})
	sess := session.New("call-1")
	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioChunk, TurnID: sess.TurnID()}))

	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventProviderClosed, CallID: "call-1"}))

	assert.Equal(t, session.StateTearingDown, sess.State())
	assert.Equal(t, 1, hooks.tornDown)
	assert.Equal(t, string(session.EventProviderClosed), hooks.tornDownReason)
}

func TestObserveInboundEnergyNoopWhenDisabled(t *testing.T) {
	hooks := &fakeHooks{}
	c := newTestCoordinator(hooks, config.BargeInConfig{Enabled: false})
	sess := session.New("call-1")
	require.NoError(t, c.HandleEvent(sess, session.Event{Kind: session.EventAgentAudioChunk, TurnID: sess.TurnID()}))

	require.NoError(t, c.ObserveInboundEnergy(sess, loudSamples()))
	assert.Equal(t, TurnAgentSpeaking, c.State("call-1"))
}
