// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package coordinator is a per-call turn-ownership state machine
// arbitrating between caller speech and agent speech, including barge-in
// detection and cancellation of in-flight agent responses.
package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/gating"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// TurnState is the Coordinator's own fine-grained overlay on top of
// CallSession.State (which only distinguishes Listening/AgentSpeaking/
// BargingIn at the coarse level): Idle, CallerSpeaking and Thinking all
// map to CallSession.StateListening.
type TurnState string

const (
	TurnIdle          TurnState = "idle"
	TurnCallerSpeaking TurnState = "caller_speaking"
	TurnThinking      TurnState = "thinking"
	TurnAgentSpeaking TurnState = "agent_speaking"
	TurnBargingIn     TurnState = "barging_in"
)

// Hooks are the side effects the Coordinator triggers on transitions; the
// Orchestrator supplies the concrete implementation wiring the Playback
// Manager and the active ProviderAdapter.
type Hooks interface {
	StartPlayback(callID string, turnID uint64) error
	CancelPlayback(callID string, reason string) error
	MarkPlaybackDone(callID string) error
	CancelProviderResponse(callID string) error
	// TeardownCall tells the orchestrator to run its full call-teardown
	// sequence; provider error/close always ends the call.
	TeardownCall(callID string, reason string)
}

// SpeechEstimator corroborates the RMS-energy barge-in estimator with a
// model-backed voice-activity decision (internal/vad.Detector satisfies
// this). Optional: a Coordinator with no estimator set falls back to
// energy alone.
type SpeechEstimator interface {
	IsSpeech(samples []int16) (bool, error)
}

type callTurn struct {
	mu    sync.Mutex
	state TurnState

	// barge-in energy tracking, active only while state == TurnAgentSpeaking.
	aboveSince time.Time
	aboveRunning bool

	// vad is the optional per-call model-backed corroborator (nil unless
	// the Orchestrator registered one via RegisterSpeechEstimator).
	vad SpeechEstimator
}

// Coordinator is the process-wide turn arbiter; per-call state is held in
// an internal map keyed by call-id, the same shape as the gating manager.
type Coordinator struct {
	logger commons.Logger
	hooks  Hooks
	gate   *gating.Manager

	bargeIn        config.BargeInConfig
	postTTSGuardMs int

	mu    sync.Mutex
	turns map[string]*callTurn
}

// New constructs a Coordinator.
func New(logger commons.Logger, hooks Hooks, gate *gating.Manager, bargeIn config.BargeInConfig, postTTSGuardMs int) *Coordinator {
	return &Coordinator{
		logger:         logger,
		hooks:          hooks,
		gate:           gate,
		bargeIn:        bargeIn,
		postTTSGuardMs: postTTSGuardMs,
		turns:          make(map[string]*callTurn),
	}
}

func (c *Coordinator) turn(callID string) *callTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[callID]
	if !ok {
		t = &callTurn{state: TurnIdle}
		c.turns[callID] = t
	}
	return t
}

// State returns the current turn-ownership state for callID.
func (c *Coordinator) State(callID string) TurnState {
	t := c.turn(callID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Forget drops per-call turn state; called once a call has fully torn down.
func (c *Coordinator) Forget(callID string) {
	c.mu.Lock()
	delete(c.turns, callID)
	c.mu.Unlock()
}

// RegisterSpeechEstimator attaches a model-backed voice-activity estimator
// to callID. When bargeIn.VADEnabled is set, ObserveInboundEnergy requires
// both the energy threshold and est.IsSpeech to agree before sustaining the
// barge-in timer, so a loud non-speech burst can't trigger one. Calling
// with est == nil is a no-op (energy-only estimation continues).
func (c *Coordinator) RegisterSpeechEstimator(callID string, est SpeechEstimator) {
	if est == nil {
		return
	}
	t := c.turn(callID)
	t.mu.Lock()
	t.vad = est
	t.mu.Unlock()
}

// HandleEvent applies one provider-emitted event to sess. Events
// referring to an older turn-id than the session's current one are
// dropped: late chunks after a cancel must never resurface.
func (c *Coordinator) HandleEvent(sess *session.CallSession, ev session.Event) error {
	if ev.Kind == session.EventProviderError || ev.Kind == session.EventProviderClosed {
		return c.handleProviderTerminal(sess, ev)
	}
	if sess.IsStaleTurn(ev.TurnID) && ev.TurnID != 0 {
		c.logger.Debugw("dropping stale-turn event", "call_id", sess.CallID, "event_turn", ev.TurnID, "current_turn", sess.TurnID())
		return nil
	}
	// A provider-reported speech start while the agent is speaking cancels
	// the response directly; ObserveInboundEnergy covers adapters that
	// report no speech events.
	if ev.Kind == session.EventProviderSpeechStarted && c.bargeIn.Enabled && c.State(sess.CallID) == TurnAgentSpeaking {
		return c.triggerBargeIn(sess)
	}

	t := c.turn(sess.CallID)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case session.EventProviderSpeechStarted, session.EventTranscriptDelta:
		if t.state == TurnIdle {
			sess.NextTurn()
			t.state = TurnCallerSpeaking
			sess.SetState(session.StateListening)
		}
		return nil

	case session.EventProviderSpeechStopped, session.EventTranscriptFinal:
		if t.state == TurnCallerSpeaking {
			t.state = TurnThinking
		}
		return nil

	case session.EventAgentAudioChunk:
		if t.state == TurnThinking || t.state == TurnIdle {
			c.gate.Acquire(sess.CallID, "tts-segment")
			if err := c.hooks.StartPlayback(sess.CallID, ev.TurnID); err != nil {
				return err
			}
			t.state = TurnAgentSpeaking
			sess.SetState(session.StateAgentSpeaking)
		}
		return nil

	case session.EventAgentAudioDone:
		if t.state == TurnAgentSpeaking {
			if err := c.hooks.MarkPlaybackDone(sess.CallID); err != nil {
				return err
			}
			t.state = TurnIdle
			t.aboveRunning = false
			sess.SetState(session.StateListening)
			// Arm the guard before releasing so there is no instant in
			// which the call is ungated; release only after the session
			// has left the gated state.
			c.gate.ArmPostTTSGuard(sess.CallID, time.Duration(c.postTTSGuardMs)*time.Millisecond)
			c.gate.ReleaseAll(sess.CallID)
		}
		return nil

	default:
		return nil
	}
}

// ObserveInboundEnergy feeds one inbound PCM16 frame's RMS energy to the
// barge-in estimator. Callers invoke this for every inbound frame while
// the call is in progress, including frames the gate discards; it is a
// no-op unless the turn is currently AgentSpeaking.
func (c *Coordinator) ObserveInboundEnergy(sess *session.CallSession, samples []int16) error {
	if !c.bargeIn.Enabled {
		return nil
	}
	t := c.turn(sess.CallID)
	t.mu.Lock()
	if t.state != TurnAgentSpeaking {
		t.aboveRunning = false
		t.mu.Unlock()
		return nil
	}

	energy := rms(samples)
	now := time.Now()
	above := energy >= c.bargeIn.EnergyThreshold

	if above && c.bargeIn.VADEnabled && t.vad != nil {
		isSpeech, err := t.vad.IsSpeech(samples)
		if err != nil {
			c.logger.Warnw("vad estimation failed, falling back to energy alone", "call_id", sess.CallID, "err", err)
		} else {
			above = isSpeech
		}
	}

	if !above {
		t.aboveRunning = false
		t.mu.Unlock()
		return nil
	}
	if !t.aboveRunning {
		t.aboveRunning = true
		t.aboveSince = now
		t.mu.Unlock()
		return nil
	}
	sustained := now.Sub(t.aboveSince) >= time.Duration(c.bargeIn.MinMs)*time.Millisecond
	t.mu.Unlock()
	if !sustained {
		return nil
	}
	return c.triggerBargeIn(sess)
}

func (c *Coordinator) triggerBargeIn(sess *session.CallSession) error {
	t := c.turn(sess.CallID)
	t.mu.Lock()
	if t.state != TurnAgentSpeaking {
		t.mu.Unlock()
		return nil // already transitioned by another path
	}
	t.state = TurnBargingIn
	t.aboveRunning = false
	t.mu.Unlock()

	sess.SetState(session.StateBargingIn)
	c.logger.Infow("barge-in detected", "call_id", sess.CallID)

	if err := c.hooks.CancelPlayback(sess.CallID, "barge-in"); err != nil {
		return err
	}
	if err := c.hooks.CancelProviderResponse(sess.CallID); err != nil {
		return err
	}
	c.gate.ReleaseAll(sess.CallID)

	// playback.Cancel is synchronous (it blocks until the stream's pacing
	// goroutine has stopped), so the BargingIn->CallerSpeaking transition
	// follows immediately.
	t.mu.Lock()
	t.state = TurnCallerSpeaking
	t.mu.Unlock()
	sess.NextTurn()
	sess.SetState(session.StateListening)
	return nil
}

func (c *Coordinator) handleProviderTerminal(sess *session.CallSession, ev session.Event) error {
	c.logger.Warnw("provider terminal event reached coordinator", "call_id", sess.CallID, "kind", ev.Kind, "err", ev.Err)
	sess.SetState(session.StateTearingDown)
	c.hooks.TeardownCall(sess.CallID, string(ev.Kind))
	return nil
}

// Teardown releases all gating tokens and forgets per-call turn state.
func (c *Coordinator) Teardown(callID string) {
	c.gate.ReleaseAll(callID)
	c.gate.Forget(callID)
	c.Forget(callID)
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}
