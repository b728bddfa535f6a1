// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/gating"
	"github.com/rapidaai/voicecore/internal/playback"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

var testProfile = audio.Profile{
	Name:     "default",
	Ingress:  audio.Codec{Name: "pcm16", RateHz: 8000},
	Provider: audio.Codec{Name: "pcm16", RateHz: 16000},
	Egress:   audio.Codec{Name: "pcm16", RateHz: 8000},
}

type fakeConn struct {
	callID string
	frames []audio.Frame
}

func (f *fakeConn) CallID() string                          { return f.callID }
func (f *fakeConn) ReadFrame(time.Time) (audio.Frame, error) { return audio.Silence(8000), nil }
func (f *fakeConn) WriteFrame(frame audio.Frame) error {
	f.frames = append(f.frames, frame)
	return nil
}
func (f *fakeConn) Close() error { return nil }

type fakeAdapter struct {
	caps      provider.Capabilities
	cancelled bool
	ended     bool
}

func (a *fakeAdapter) Capabilities() provider.Capabilities { return a.caps }
func (a *fakeAdapter) StartSession(context.Context, string, session.Profile, map[string]string) error {
	return nil
}
func (a *fakeAdapter) SendAudio(string, audio.Frame) error { return nil }
func (a *fakeAdapter) CancelResponse(string) error         { a.cancelled = true; return nil }
func (a *fakeAdapter) EndSession(string) error             { a.ended = true; return nil }
func (a *fakeAdapter) OnEvent(func(session.Event))         {}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *activeCall, *fakeAdapter) {
	t.Helper()
	logger := commons.NewNop()
	deps := Deps{
		Logger:    logger,
		Config:    &config.AppConfig{Gating: config.GatingConfig{PostTTSGuardMs: 300}, BargeIn: config.BargeInConfig{Enabled: false}},
		Store:     session.NewStore(logger),
		Gate:      gating.New(logger),
		Playback:  playback.New(logger, playback.Config{MinStartMs: 0, LowWatermarkMs: 0, FallbackTimeoutMs: 4000}),
		Providers: provider.NewRegistry(),
	}
	o := New(deps)

	sess, err := deps.Store.Create("call-1")
	require.NoError(t, err)
	adapter := &fakeAdapter{caps: provider.Capabilities{Continuous: true}}
	conn := &fakeConn{callID: "call-1"}
	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{
		sess:    sess,
		conn:    conn,
		adapter: adapter,
		ctx:     ctx,
		cancel:  cancel,
		profile: testProfile,
	}
	o.mu.Lock()
	o.calls["call-1"] = call
	o.mu.Unlock()
	return o, call, adapter
}

func TestStartPlaybackIsIdempotent(t *testing.T) {
	o, call, _ := newTestOrchestrator(t)

	require.NoError(t, o.StartPlayback("call-1", 1))
	call.mu.Lock()
	assert.True(t, call.hasPlaybackHandle)
	call.mu.Unlock()

	// Calling again before MarkPlaybackDone/CancelPlayback must not error
	// or create a second stream: a call has exactly one live stream.
	require.NoError(t, o.StartPlayback("call-1", 1))
}

func TestCancelPlaybackClearsHandle(t *testing.T) {
	o, call, _ := newTestOrchestrator(t)
	require.NoError(t, o.StartPlayback("call-1", 1))

	require.NoError(t, o.CancelPlayback("call-1", "barge-in"))
	call.mu.Lock()
	assert.False(t, call.hasPlaybackHandle)
	call.mu.Unlock()
}

func TestCancelProviderResponseDelegatesToAdapter(t *testing.T) {
	o, _, adapter := newTestOrchestrator(t)
	require.NoError(t, o.CancelProviderResponse("call-1"))
	assert.True(t, adapter.cancelled)
}

func TestUnknownCallHooksAreNoops(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	assert.NoError(t, o.CancelPlayback("no-such-call", "x"))
	assert.NoError(t, o.MarkPlaybackDone("no-such-call"))
	assert.NoError(t, o.CancelProviderResponse("no-such-call"))
}

func TestProviderClosedEventTearsDownCall(t *testing.T) {
	o, call, adapter := newTestOrchestrator(t)

	o.onProviderEvent(call, session.Event{Kind: session.EventProviderClosed, CallID: "call-1"})

	assert.Equal(t, session.StateClosed, call.sess.State())
	assert.True(t, adapter.ended)
	_, ok := o.deps.Store.Get("call-1")
	assert.False(t, ok, "teardown must remove the session from the Store")
	o.mu.Lock()
	_, stillTracked := o.calls["call-1"]
	o.mu.Unlock()
	assert.False(t, stillTracked, "teardown must drop the orchestrator's own call reference")
}

func TestProviderErrorEventTearsDownCall(t *testing.T) {
	o, call, adapter := newTestOrchestrator(t)

	o.onProviderEvent(call, session.Event{Kind: session.EventProviderError, CallID: "call-1", Err: assert.AnError})

	assert.Equal(t, session.StateClosed, call.sess.State())
	assert.True(t, adapter.ended)
	_, ok := o.deps.Store.Get("call-1")
	assert.False(t, ok, "teardown must remove the session from the Store")
}

func TestRecorderIsInsertedOnCreateAndRemovedOnTeardown(t *testing.T) {
	logger := commons.NewNop()
	deps := Deps{
		Logger:    logger,
		Config:    &config.AppConfig{Gating: config.GatingConfig{PostTTSGuardMs: 300}, BargeIn: config.BargeInConfig{Enabled: false}},
		Store:     session.NewStore(logger),
		Gate:      gating.New(logger),
		Playback:  playback.New(logger, playback.Config{MinStartMs: 0, LowWatermarkMs: 0, FallbackTimeoutMs: 4000}),
		Providers: provider.NewRegistry(),
		// A disabled Recorder (nil connector) still exercises the Insert/
		// Remove call sites without requiring a live Postgres instance.
		Recorder: session.NewRecorder(nil, logger),
	}
	o := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := o.newCall("call-2", "chan-1", "rtp", "openai-realtime", testProfile, ctx, cancel)
	require.NoError(t, err)
	call.conn = &fakeConn{callID: "call-2"}
	call.adapter = &fakeAdapter{}

	_, ok := o.deps.Store.Get("call-2")
	assert.True(t, ok, "newCall must create the session in the Store")

	o.teardown(call, "test")

	_, ok = o.deps.Store.Get("call-2")
	assert.False(t, ok, "teardown must remove the session from the Store")
}

func TestGreetingHoldsGateThenReleasesIntoListening(t *testing.T) {
	o, call, _ := newTestOrchestrator(t)
	o.deps.GreetingClip = make([]int16, 320) // 40ms at 8kHz

	o.playGreeting(call)
	assert.Equal(t, session.StateGreeting, call.sess.State())
	assert.True(t, o.deps.Gate.IsGated("call-1"), "capture muted for the greeting's whole duration")

	require.Eventually(t, func() bool {
		return call.sess.State() == session.StateListening
	}, time.Second, 10*time.Millisecond, "greeting end must move the session to listening")
	require.Eventually(t, func() bool {
		return o.deps.Gate.TokenCount("call-1") == 0
	}, time.Second, 10*time.Millisecond, "greeting token released on stream end")
}

func TestAccumulateAndCommitFlushesAtThreshold(t *testing.T) {
	o, call, _ := newTestOrchestrator(t)
	minSamples := 10

	o.accumulateAndCommit(call, make([]int16, 5), minSamples)
	call.mu.Lock()
	assert.Len(t, call.commitBuf, 5)
	call.mu.Unlock()

	o.accumulateAndCommit(call, make([]int16, 5), minSamples)
	call.mu.Lock()
	assert.Empty(t, call.commitBuf)
	call.mu.Unlock()
	assert.Equal(t, int64(1), call.sess.Metrics.Commits.Load())
}
