// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package orchestrator is the per-call supervisor: it wires the PBX
// client, transport, profile registry, gating manager, provider adapter,
// playback manager, and conversation coordinator together across one
// call's full lifecycle (arrival -> transport attach -> provider
// handshake -> greeting -> conversation loop -> teardown).
//
// Each call runs an inbound reader, a provider event dispatcher, and a
// housekeeping timer on their own goroutines, funnelling into shared
// per-call state under a single lock.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/coordinator"
	"github.com/rapidaai/voicecore/internal/gating"
	"github.com/rapidaai/voicecore/internal/pbx"
	"github.com/rapidaai/voicecore/internal/playback"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/internal/transport"
	"github.com/rapidaai/voicecore/internal/vad"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// Deps are the already-constructed, process-wide collaborators the
// Orchestrator wires per call. Every field is a handle passed in at
// construction, never a package-level global.
type Deps struct {
	Logger    commons.Logger
	Config    *config.AppConfig
	Store     session.Store
	Profiles  *audio.Registry
	Providers *provider.Registry
	Gate      *gating.Manager
	Playback  *playback.Manager
	PBX       pbx.Client

	RTP         *transport.RTPTransport
	AudioSocket *transport.AudioSocketTransport

	// Recorder is the optional durable (Postgres) audit tier. A nil
	// Recorder, or one constructed via session.NewRecorder(nil, ...),
	// leaves durability disabled; every call below is then a no-op.
	Recorder *session.Recorder

	// GreetingClip is a pre-loaded PCM16 clip at the egress rate, played
	// to the caller right after the provider handshake. Empty skips the
	// greeting.
	GreetingClip []int16
}

// Orchestrator is the process-wide Call Orchestrator; one instance
// drives every concurrently active call.
type Orchestrator struct {
	deps  Deps
	coord *coordinator.Coordinator

	mu    sync.Mutex
	calls map[string]*activeCall
}

// New constructs an Orchestrator and its owned Coordinator; the
// Coordinator's Hooks implementation is the Orchestrator itself.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{deps: deps, calls: make(map[string]*activeCall)}
	o.coord = coordinator.New(deps.Logger, o, deps.Gate, deps.Config.BargeIn, deps.Config.Gating.PostTTSGuardMs)
	return o
}

type activeCall struct {
	mu sync.Mutex

	sess    *session.CallSession
	conn    transport.Connection
	adapter provider.Adapter
	profile audio.Profile

	ctx    context.Context
	cancel context.CancelFunc

	playbackHandle   playback.Handle
	hasPlaybackHandle bool

	vadDetector *vad.Detector

	commitBuf []int16

	// teardownOnce makes teardown safe to invoke from any of its several
	// concurrent trigger points (inboundLoop on transport close,
	// housekeeping on silent-inbound timeout, TeardownCall on provider
	// error/close); only the first caller runs the sequence.
	teardownOnce sync.Once
}

// Run consumes inbound calls from the PBX client until ctx is canceled,
// spawning one goroutine per call.
func (o *Orchestrator) Run(ctx context.Context) error {
	inbound, err := o.deps.PBX.Listen(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: listen: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case call, ok := <-inbound:
			if !ok {
				return nil
			}
			go o.handleInbound(ctx, call)
		}
	}
}

// handleInbound is the RTP-variant arrival path: the PBX client owns
// call signaling, and once a channel arrives this leases an RTP port,
// asks the PBX to bridge the caller channel to it, then starts the
// provider.
func (o *Orchestrator) handleInbound(parent context.Context, ic pbx.InboundCall) {
	logger := o.deps.Logger.With("call_id", ic.CallID)

	providerName := o.deps.Config.ResolveProviderName(ic.Context["AI_PROVIDER"], ic.DialplanContext)
	transportKind := "rtp"

	profile, err := o.resolveProfile(ic, transportKind, providerName)
	if err != nil {
		logger.Errorw("profile resolution failed, rejecting call", "err", err)
		o.deps.PBX.Hangup(parent, ic.CallerChannelID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	call, err := o.newCall(ic.CallID, ic.CallerChannelID, transportKind, providerName, profile, ctx, cancel)
	if err != nil {
		logger.Errorw("session create failed", "err", err)
		cancel()
		return
	}

	conn, err := o.deps.RTP.BindForCall(ctx, ic.CallID, profile.Ingress.RateHz)
	if err != nil {
		logger.Errorw("rtp bind failed", "err", err)
		o.teardown(call, "transport_bind_failed")
		return
	}
	call.conn = conn
	mediaAddr := conn.LocalAddr()

	if err := o.deps.PBX.Bridge(ctx, ic.CallerChannelID, mediaAddr); err != nil {
		logger.Errorw("bridge failed", "err", err)
		o.teardown(call, "bridge_failed")
		return
	}

	o.startCallPipeline(call, ic.Context)
}

// RunAudioSocket drives the AudioSocket-variant arrival path: unlike
// RTP, the TCP Accept()+first-UUID-frame handshake itself is the call
// arrival signal, so there is no separate PBX-driven InboundCall event
// to wait for; whatever placed the call already routed the TCP
// connection here via the dialplan's AudioSocket application.
func (o *Orchestrator) RunAudioSocket(ctx context.Context, localBind, providerName string) error {
	ln, err := o.deps.AudioSocket.Listen(localBind)
	if err != nil {
		return fmt.Errorf("orchestrator: audiosocket listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("orchestrator: audiosocket accept: %w", err)
			}
		}
		go o.handleAudioSocketCall(ctx, conn, providerName)
	}
}

func (o *Orchestrator) handleAudioSocketCall(parent context.Context, conn transport.Connection, providerName string) {
	callID := conn.CallID()
	logger := o.deps.Logger.With("call_id", callID)

	profile, err := o.deps.Profiles.Resolve("audiosocket", providerName)
	if err != nil {
		logger.Errorw("profile resolution failed, rejecting call", "err", err)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	call, err := o.newCall(callID, "", "audiosocket", providerName, profile, ctx, cancel)
	if err != nil {
		logger.Errorw("session create failed", "err", err)
		cancel()
		conn.Close()
		return
	}
	call.conn = conn

	o.startCallPipeline(call, nil)
}

func (o *Orchestrator) newCall(callID, callerChannelID, transportKind, providerName string, profile audio.Profile, ctx context.Context, cancel context.CancelFunc) (*activeCall, error) {
	sess, err := o.deps.Store.Create(callID)
	if err != nil {
		return nil, err
	}
	sess.CallerChannelID = callerChannelID
	sess.TransportKind = session.TransportKind(transportKind)
	sess.ProviderName = providerName
	sess.Profile = toSessionProfile(profile)
	sess.SetState(session.StateBridging)
	if o.deps.Recorder != nil {
		o.deps.Recorder.Insert(sess)
	}
	return &activeCall{sess: sess, profile: profile, ctx: ctx, cancel: cancel}, nil
}

// startCallPipeline brings up the provider session and the per-call
// reader/housekeeping goroutines once a connected transport is in hand,
// common to both arrival paths.
func (o *Orchestrator) startCallPipeline(call *activeCall, initialContext map[string]string) {
	logger := o.deps.Logger.With("call_id", call.sess.CallID)

	call.sess.SetState(session.StateHandshakingProvider)
	adapter, err := o.startProvider(call.ctx, call, call.sess.ProviderName, initialContext)
	if err != nil {
		logger.Errorw("provider handshake failed", "err", err)
		o.teardown(call, "provider_handshake_failed")
		return
	}
	call.adapter = adapter

	if o.deps.Config.BargeIn.VADEnabled {
		if err := o.attachSpeechEstimator(call); err != nil {
			logger.Warnw("vad detector unavailable, continuing on energy estimation alone", "err", err)
		}
	}

	o.mu.Lock()
	o.calls[call.sess.CallID] = call
	o.mu.Unlock()

	if len(o.deps.GreetingClip) > 0 {
		o.playGreeting(call)
	} else {
		call.sess.SetState(session.StateListening)
	}

	go o.inboundLoop(call)
	go o.housekeeping(call)
}

// playGreeting holds a gating token for the greeting's whole duration so
// the caller's line echo of the greeting never reaches the provider, then
// releases it and arms the post-TTS guard when the clip finishes.
func (o *Orchestrator) playGreeting(call *activeCall) {
	callID := call.sess.CallID
	gateHandle := o.deps.Gate.Acquire(callID, "greeting")
	call.sess.SetState(session.StateGreeting)

	sink := &countingSink{conn: call.conn, sess: call.sess}
	events := &greetingEvents{o: o, call: call, gateHandle: gateHandle}
	h, err := o.deps.Playback.StartStream(callID, callID+"-greeting", 0, false, call.profile.Egress.RateHz, sink, events)
	if err != nil {
		o.deps.Logger.Warnw("greeting playback failed to start", "call_id", callID, "err", err)
		o.deps.Gate.Release(gateHandle)
		call.sess.SetState(session.StateListening)
		return
	}
	if err := o.deps.Playback.PushChunk(h, 0, o.deps.GreetingClip, call.profile.Egress.RateHz); err != nil {
		o.deps.Logger.Warnw("greeting push failed", "call_id", callID, "err", err)
	}
	o.deps.Playback.MarkDone(h)
}

// greetingEvents is the greeting stream's EventSink: the conversation has
// not started yet, so stream end releases the greeting token and moves
// the session to listening instead of driving the coordinator.
type greetingEvents struct {
	o          *Orchestrator
	call       *activeCall
	gateHandle gating.Handle
}

func (g *greetingEvents) OnPlaybackStalled(callID, streamID string) {}

func (g *greetingEvents) OnStreamEnded(callID, streamID, reason string) {
	if g.call.sess.State() == session.StateGreeting {
		g.call.sess.SetState(session.StateListening)
	}
	g.o.deps.Gate.ArmPostTTSGuard(callID, time.Duration(g.o.deps.Config.Gating.PostTTSGuardMs)*time.Millisecond)
	g.o.deps.Gate.Release(g.gateHandle)
	g.o.deps.Playback.Forget(callID)
}

// attachSpeechEstimator builds a per-call Silero detector at the call's
// ingress sample rate and registers it with the Coordinator.
// Construction failure (missing model file, unsupported rate) degrades
// to energy-only barge-in rather than failing the call.
func (o *Orchestrator) attachSpeechEstimator(call *activeCall) error {
	bi := o.deps.Config.BargeIn
	detector, err := vad.New(vad.Config{
		ModelPath:            bi.VADModelPath,
		SampleRate:           call.profile.Ingress.RateHz,
		Threshold:            bi.VADThreshold,
		MinSilenceDurationMs: bi.MinMs,
	}, o.deps.Logger.With("call_id", call.sess.CallID))
	if err != nil {
		return err
	}
	call.mu.Lock()
	call.vadDetector = detector
	call.mu.Unlock()
	o.coord.RegisterSpeechEstimator(call.sess.CallID, detector)
	return nil
}

func (o *Orchestrator) resolveProfile(ic pbx.InboundCall, transportKind, providerName string) (audio.Profile, error) {
	if name := ic.Context["AI_AUDIO_PROFILE"]; name != "" {
		return o.deps.Profiles.ByName(name)
	}
	return o.deps.Profiles.Resolve(transportKind, providerName)
}

func (o *Orchestrator) startProvider(ctx context.Context, call *activeCall, providerName string, initialContext map[string]string) (provider.Adapter, error) {
	cfg := o.deps.Config.Providers[providerName]
	adapter, err := o.deps.Providers.Create(providerName, cfg, o.deps.Logger.With("call_id", call.sess.CallID, "provider", providerName))
	if err != nil {
		return nil, err
	}
	adapter.OnEvent(func(ev session.Event) {
		o.onProviderEvent(call, ev)
	})

	hctx, hcancel := context.WithTimeout(ctx, o.deps.Config.ProviderHandshakeTimeout)
	defer hcancel()
	if err := adapter.StartSession(hctx, call.sess.CallID, call.sess.Profile, initialContext); err != nil {
		return nil, err
	}
	return adapter, nil
}

// onProviderEvent is every Adapter's event sink: it feeds the
// Coordinator's transition table and, for agent audio, the playback
// manager.
func (o *Orchestrator) onProviderEvent(call *activeCall, ev session.Event) {
	if ev.TurnID == 0 {
		// Adapters carry no native turn correlation, so events arrive
		// unstamped. Stamp the session's current turn at receipt: the
		// Coordinator's stale-turn check and the playback stream's
		// turn binding both key off this value.
		ev.TurnID = call.sess.TurnID()
	}
	if err := o.coord.HandleEvent(call.sess, ev); err != nil {
		o.deps.Logger.Warnw("coordinator event handling failed", "call_id", call.sess.CallID, "err", err)
	}
	if ev.Kind == session.EventAgentAudioChunk {
		call.mu.Lock()
		h, ok := call.playbackHandle, call.hasPlaybackHandle
		call.mu.Unlock()
		if ok {
			if err := o.deps.Playback.PushChunk(h, ev.TurnID, ev.Audio, call.profile.Provider.RateHz); err != nil {
				o.deps.Logger.Warnw("push chunk failed", "call_id", call.sess.CallID, "err", err)
			}
		}
	}
}

// inboundLoop is the reader task: it pulls frames off the transport
// connection, feeds the barge-in energy estimator unconditionally, and
// forwards ungated audio to the provider in >=100ms commit-boundary
// batches so the provider never sees an empty commit.
func (o *Orchestrator) inboundLoop(call *activeCall) {
	minCommitSamples := call.profile.Provider.RateHz * o.deps.Config.ProviderMinCommitMs / 1000
	for {
		select {
		case <-call.ctx.Done():
			return
		default:
		}

		f, err := call.conn.ReadFrame(time.Now().Add(200 * time.Millisecond))
		if err != nil {
			o.teardown(call, "transport_closed")
			return
		}
		call.sess.Metrics.FramesIn.Add(1)
		call.sess.LastInboundFrameAt = time.Now()

		if err := o.coord.ObserveInboundEnergy(call.sess, f.Samples); err != nil {
			o.deps.Logger.Warnw("barge-in observation failed", "call_id", call.sess.CallID, "err", err)
		}

		if o.deps.Gate.IsGated(call.sess.CallID) {
			call.sess.Metrics.GatingDiscarded.Add(1)
			continue
		}

		resampled, err := audio.Resample(f.Samples, f.RateHz, call.profile.Provider.RateHz)
		if err != nil {
			o.deps.Logger.Warnw("resample failed", "call_id", call.sess.CallID, "err", err)
			continue
		}
		o.accumulateAndCommit(call, resampled, minCommitSamples)
	}
}

func (o *Orchestrator) accumulateAndCommit(call *activeCall, samples []int16, minCommitSamples int) {
	call.mu.Lock()
	call.commitBuf = append(call.commitBuf, samples...)
	ready := len(call.commitBuf) >= minCommitSamples
	var batch []int16
	if ready {
		batch = call.commitBuf
		call.commitBuf = nil
	}
	call.mu.Unlock()

	if !ready {
		return
	}
	if err := call.adapter.SendAudio(call.sess.CallID, audio.Frame{Samples: batch, RateHz: call.profile.Provider.RateHz, Captured: time.Now()}); err != nil {
		o.deps.Logger.Warnw("send audio to provider failed", "call_id", call.sess.CallID, "err", err)
		return
	}
	call.sess.Metrics.Commits.Add(1)
}

// housekeeping tears a call down if the caller side goes silent past
// SilentInboundTimeout.
func (o *Orchestrator) housekeeping(call *activeCall) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-call.ctx.Done():
			return
		case <-ticker.C:
			if err := call.sess.CheckInvariants(o.deps.Gate.TokenCount(call.sess.CallID)); err != nil {
				o.deps.Logger.Errorw("session invariant violation", "call_id", call.sess.CallID, "state", call.sess.State(), "err", err)
			}
			if time.Since(call.sess.LastInboundFrameAt) > o.deps.Config.SilentInboundTimeout {
				o.deps.Logger.Warnw("silent inbound timeout, tearing down", "call_id", call.sess.CallID)
				o.teardown(call, "silent_inbound_timeout")
				return
			}
		}
	}
}

func (o *Orchestrator) teardown(call *activeCall, reason string) {
	call.teardownOnce.Do(func() {
		call.cancel()
		call.sess.SetState(session.StateTearingDown)

		if call.adapter != nil {
			call.adapter.EndSession(call.sess.CallID)
		}
		if call.conn != nil {
			call.conn.Close()
		}
		call.mu.Lock()
		h, ok := call.playbackHandle, call.hasPlaybackHandle
		detector := call.vadDetector
		call.mu.Unlock()
		if detector != nil {
			detector.Close()
		}
		if ok {
			o.deps.Playback.Cancel(h, reason)
			o.deps.Playback.Forget(call.sess.CallID)
		}
		o.coord.Teardown(call.sess.CallID)
		o.deps.Store.Remove(call.sess.CallID)
		if o.deps.Recorder != nil {
			o.deps.Recorder.Remove(call.sess.CallID)
		}

		o.mu.Lock()
		delete(o.calls, call.sess.CallID)
		o.mu.Unlock()

		call.sess.SetState(session.StateClosed)
		o.deps.Logger.Infow("call torn down", "call_id", call.sess.CallID, "reason", reason)
	})
}

// --- coordinator.Hooks ---

// StartPlayback implements coordinator.Hooks: ensures a playback stream
// exists for the call's current turn, starting one on first use.
func (o *Orchestrator) StartPlayback(callID string, turnID uint64) error {
	call, ok := o.call(callID)
	if !ok {
		return fmt.Errorf("orchestrator: unknown call %s", callID)
	}
	call.mu.Lock()
	if call.hasPlaybackHandle {
		call.mu.Unlock()
		return nil
	}
	call.mu.Unlock()

	caps := call.adapter.Capabilities()
	streamID := fmt.Sprintf("%s-%d", callID, turnID)
	sink := &countingSink{conn: call.conn, sess: call.sess}
	h, err := o.deps.Playback.StartStream(callID, streamID, turnID, caps.Continuous, call.profile.Egress.RateHz, sink, o)
	if err != nil {
		return err
	}
	call.mu.Lock()
	call.playbackHandle = h
	call.hasPlaybackHandle = true
	call.mu.Unlock()
	return nil
}

// CancelPlayback implements coordinator.Hooks.
func (o *Orchestrator) CancelPlayback(callID string, reason string) error {
	call, ok := o.call(callID)
	if !ok {
		return nil
	}
	call.mu.Lock()
	h, hasHandle := call.playbackHandle, call.hasPlaybackHandle
	call.hasPlaybackHandle = false
	call.mu.Unlock()
	if !hasHandle {
		return nil
	}
	if reason == "barge-in" {
		call.sess.Metrics.BargeIns.Add(1)
	}
	o.rollupStreamMetrics(call, h)
	err := o.deps.Playback.Cancel(h, reason)
	o.deps.Playback.Forget(callID)
	return err
}

// MarkPlaybackDone implements coordinator.Hooks.
func (o *Orchestrator) MarkPlaybackDone(callID string) error {
	call, ok := o.call(callID)
	if !ok {
		return nil
	}
	call.mu.Lock()
	h, hasHandle := call.playbackHandle, call.hasPlaybackHandle
	call.hasPlaybackHandle = false
	call.mu.Unlock()
	if !hasHandle {
		return nil
	}
	o.rollupStreamMetrics(call, h)
	return o.deps.Playback.MarkDone(h)
}

// rollupStreamMetrics folds the ending stream's underflow count into the
// session counters before the manager forgets the stream.
func (o *Orchestrator) rollupStreamMetrics(call *activeCall, h playback.Handle) {
	if m, ok := o.deps.Playback.StreamMetrics(h); ok {
		call.sess.Metrics.Underflows.Add(m.UnderflowCount)
	}
}

// CancelProviderResponse implements coordinator.Hooks.
func (o *Orchestrator) CancelProviderResponse(callID string) error {
	call, ok := o.call(callID)
	if !ok {
		return nil
	}
	return call.adapter.CancelResponse(callID)
}

// TeardownCall implements coordinator.Hooks: a provider error/close
// event reaching the Coordinator drives the same teardown sequence as a
// transport close or a silent-inbound timeout.
func (o *Orchestrator) TeardownCall(callID string, reason string) {
	call, ok := o.call(callID)
	if !ok {
		return
	}
	o.teardown(call, reason)
}

// --- playback.EventSink ---

// OnPlaybackStalled implements playback.EventSink.
func (o *Orchestrator) OnPlaybackStalled(callID, streamID string) {
	call, ok := o.call(callID)
	if !ok {
		return
	}
	call.sess.Metrics.FallbackActivations.Add(1)
}

// OnStreamEnded implements playback.EventSink.
func (o *Orchestrator) OnStreamEnded(callID, streamID, reason string) {
	o.deps.Playback.Forget(callID)
}

// countingSink interposes on the playback frame path so outbound frames
// land in the session counters without the playback manager knowing
// about sessions.
type countingSink struct {
	conn transport.Connection
	sess *session.CallSession
}

func (s *countingSink) WriteFrame(f audio.Frame) error {
	err := s.conn.WriteFrame(f)
	if err == nil {
		s.sess.Metrics.FramesOut.Add(1)
		s.sess.LastAgentAudioAt = time.Now()
	}
	return err
}

func (o *Orchestrator) call(callID string) (*activeCall, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[callID]
	return c, ok
}

func toSessionProfile(p audio.Profile) session.Profile {
	return session.Profile{
		Name:           p.Name,
		IngressCodec:   p.Ingress.Name,
		IngressRateHz:  p.Ingress.RateHz,
		ProviderCodec:  p.Provider.Name,
		ProviderRateHz: p.Provider.RateHz,
		EgressCodec:    p.Egress.Name,
		EgressRateHz:   p.Egress.RateHz,
	}
}

