// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package playback converts bursty provider audio chunks into a
// wall-clock-paced 20ms outbound frame stream, with priming,
// stall/fallback, and barge-in cancellation. Pacing is a single
// per-stream goroutine driven by a time.Ticker, never a chain of event
// callbacks.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// State is one of the per-stream lifecycle states.
type State int

const (
	StatePriming State = iota
	StatePlaying
	StateStalled
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StatePlaying:
		return "playing"
	case StateStalled:
		return "stalled"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	// ErrStreamAlreadyExists is returned by StartStream when a non-ended
	// stream already exists for the call; a call has at most one live
	// stream at any time.
	ErrStreamAlreadyExists = errors.New("playback: stream already exists for call")
	// ErrStreamClosed is returned by PushChunk/MarkDone for an unknown or
	// already-ended stream, and by Cancel for an unknown stream.
	ErrStreamClosed = errors.New("playback: stream closed")
	// ErrCodecMismatch is returned when a pushed chunk's declared rate
	// cannot be resampled to the stream's egress rate.
	ErrCodecMismatch = errors.New("playback: codec mismatch")
)

// Config holds the streaming.* tunables.
type Config struct {
	MinStartMs       int
	LowWatermarkMs   int
	FallbackTimeoutMs int
	FallbackClip     []int16 // pre-loaded, at the stream's egress rate
}

// FrameSink receives paced outbound frames; typically a TransportConnection
// adapter.
type FrameSink interface {
	WriteFrame(f audio.Frame) error
}

// EventSink receives stall/end notifications for metrics and Coordinator
// reaction.
type EventSink interface {
	OnPlaybackStalled(callID, streamID string)
	OnStreamEnded(callID, streamID, reason string)
}

// Handle identifies one started stream.
type Handle struct {
	CallID   string
	StreamID string
}

// Manager owns at most one active stream per call-id.
type Manager struct {
	logger commons.Logger
	cfg    Config

	mu      sync.Mutex
	streams map[string]*stream
}

// New constructs a Playback Manager.
func New(logger commons.Logger, cfg Config) *Manager {
	return &Manager{logger: logger, cfg: cfg, streams: make(map[string]*stream)}
}

// StartStream begins a new stream for callID, bound to the turn it was
// started for: chunks pushed later with a different turn-id are dropped,
// so a straggler from a cancelled response can never splice into this
// stream's audio. continuous marks a full-duplex realtime provider's
// single logical turn; egressRateHz is the rate frames are emitted at.
func (m *Manager) StartStream(callID, streamID string, turnID uint64, continuous bool, egressRateHz int, sink FrameSink, events EventSink) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.streams[callID]; ok && existing.State() != StateEnded {
		return Handle{}, ErrStreamAlreadyExists
	}

	s := newStream(callID, streamID, turnID, continuous, egressRateHz, m.cfg, sink, events, m.logger)
	m.streams[callID] = s
	s.run()
	return Handle{CallID: callID, StreamID: streamID}, nil
}

func (m *Manager) get(h Handle) (*stream, error) {
	m.mu.Lock()
	s, ok := m.streams[h.CallID]
	m.mu.Unlock()
	if !ok || s.streamID != h.StreamID || s.State() == StateEnded {
		return nil, ErrStreamClosed
	}
	return s, nil
}

// PushChunk feeds one provider audio chunk (PCM16 at providerRateHz) into
// the stream, resampling to egress rate once per chunk, not per frame,
// through a per-stream resampler that keeps filter state continuous
// across chunk boundaries. Chunks carrying a turn-id other than the one
// the stream was started for are dropped and counted.
func (m *Manager) PushChunk(h Handle, turnID uint64, chunk []int16, providerRateHz int) error {
	s, err := m.get(h)
	if err != nil {
		return err
	}
	return s.pushChunk(turnID, chunk, providerRateHz)
}

// MarkDone signals the end of provider audio: finalize-and-flush.
func (m *Manager) MarkDone(h Handle) error {
	s, err := m.get(h)
	if err != nil {
		return err
	}
	s.markDone()
	return nil
}

// Cancel atomically freezes the emitter, flushes the buffer, transitions
// to Ended, and notifies EventSink. Idempotent.
func (m *Manager) Cancel(h Handle, reason string) error {
	m.mu.Lock()
	s, ok := m.streams[h.CallID]
	m.mu.Unlock()
	if !ok || s.streamID != h.StreamID {
		return ErrStreamClosed
	}
	s.cancel(reason)
	return nil
}

// Forget drops the manager's reference to an ended stream, freeing its
// call-id slot for a new stream (called once the stream reports Ended).
func (m *Manager) Forget(callID string) {
	m.mu.Lock()
	if s, ok := m.streams[callID]; ok && s.State() == StateEnded {
		delete(m.streams, callID)
	}
	m.mu.Unlock()
}

// Metrics is a point-in-time snapshot of one stream's counters.
type Metrics struct {
	State             State
	DepthMs           int
	BytesSent         int64
	UnderflowCount    int64
	DroppedStaleChunks int64
}

// StreamMetrics returns a snapshot for the given handle, or ok=false if the
// stream is unknown.
func (m *Manager) StreamMetrics(h Handle) (Metrics, bool) {
	s, err := m.get(h)
	if err != nil {
		m.mu.Lock()
		s2, ok := m.streams[h.CallID]
		m.mu.Unlock()
		if !ok || s2.streamID != h.StreamID {
			return Metrics{}, false
		}
		s = s2
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		State:             s.state,
		DepthMs:           s.depthMs(),
		BytesSent:         s.bytesSent,
		UnderflowCount:    s.underflowCount,
		DroppedStaleChunks: s.droppedStale,
	}, true
}

// --- stream ---

type stream struct {
	callID, streamID string
	turnID           uint64
	continuous       bool
	egressRateHz     int
	frameSamples     int
	cfg              Config
	sink             FrameSink
	events           EventSink
	logger           commons.Logger

	mu             sync.Mutex
	buffer         []int16
	state          State
	doneReceived   bool
	cancelled      bool
	cancelReason   string
	fallbackArmed  bool
	lastChunkAt    time.Time
	bytesSent      int64
	underflowCount int64
	droppedStale   int64

	// resampler keeps filter state continuous across the whole stream;
	// built lazily on the first chunk, when the provider rate is known.
	resampler      *audio.ResampleStream
	providerRateHz int

	stopCh chan struct{}
	doneCh chan struct{}
}

func newStream(callID, streamID string, turnID uint64, continuous bool, egressRateHz int, cfg Config, sink FrameSink, events EventSink, logger commons.Logger) *stream {
	return &stream{
		callID:       callID,
		streamID:     streamID,
		turnID:       turnID,
		continuous:   continuous,
		egressRateHz: egressRateHz,
		frameSamples: audio.SamplesPerFrame(egressRateHz),
		cfg:          cfg,
		sink:         sink,
		events:       events,
		logger:       logger,
		state:        StatePriming,
		lastChunkAt:  time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (s *stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) depthMs() int {
	return len(s.buffer) * 1000 / s.egressRateHz
}

func (s *stream) pushChunk(turnID uint64, chunk []int16, providerRateHz int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || s.cancelled {
		return nil // chunk belongs to a cancelled turn, dropped
	}
	if turnID != s.turnID {
		// A straggler from an older turn racing a turn advance: a stream
		// carries exactly one turn's audio, so it never gets in.
		s.droppedStale++
		s.logger.Debugw("dropping stale-turn chunk", "call_id", s.callID, "stream_id", s.streamID, "chunk_turn", turnID, "stream_turn", s.turnID)
		return nil
	}

	if s.resampler == nil {
		rs, err := audio.NewResampleStream(providerRateHz, s.egressRateHz)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCodecMismatch, err)
		}
		s.resampler = rs
		s.providerRateHz = providerRateHz
	} else if providerRateHz != s.providerRateHz {
		return ErrCodecMismatch
	}
	resampled, err := s.resampler.Push(chunk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodecMismatch, err)
	}

	s.buffer = append(s.buffer, resampled...)
	s.lastChunkAt = time.Now()
	return nil
}

func (s *stream) markDone() {
	s.mu.Lock()
	s.doneReceived = true
	s.mu.Unlock()
}

func (s *stream) cancel(reason string) {
	s.mu.Lock()
	if s.state == StateEnded || s.cancelled {
		s.mu.Unlock()
		return // idempotent
	}
	s.cancelled = true
	s.cancelReason = reason
	s.buffer = nil // flush
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
}

// run starts the pacing goroutine: one frame emitted per 20ms of wall
// clock, driven by a monotonic clock rather than counted ticks, so
// provider jitter cannot compound drift.
func (s *stream) run() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
		defer ticker.Stop()

		nextTick := time.Now().Add(audio.FrameDurationMs * time.Millisecond)
		for {
			select {
			case <-s.stopCh:
				s.finish(s.cancelReasonLocked())
				return
			case now := <-ticker.C:
				if drift := now.Sub(nextTick); drift > 10*time.Millisecond || drift < -10*time.Millisecond {
					s.mu.Lock()
					s.underflowCount++
					s.mu.Unlock()
					s.logger.Warnw("playback pacing drift", "call_id", s.callID, "stream_id", s.streamID, "drift_ms", drift.Milliseconds())
				}
				nextTick = nextTick.Add(audio.FrameDurationMs * time.Millisecond)

				if ended := s.tick(); ended {
					s.finish("done")
					return
				}
			}
		}
	}()
}

func (s *stream) cancelReasonLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

// tick runs one 20ms state-machine step; returns true if the stream has
// reached Ended.
func (s *stream) tick() (ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePriming:
		if s.depthMs() >= s.cfg.MinStartMs || s.doneReceived {
			s.state = StatePlaying
		} else {
			return false
		}
		fallthrough

	case StatePlaying:
		if len(s.buffer) >= s.frameSamples {
			frame := s.popFrame()
			_ = s.sink.WriteFrame(frame)
			if s.depthMs() < s.cfg.LowWatermarkMs && !s.doneReceived {
				s.state = StateStalled
				// Re-arm only once new audio has arrived; a stall with no
				// chunk since the last fallback stays the same episode.
				if time.Since(s.lastChunkAt) <= time.Duration(s.cfg.FallbackTimeoutMs)*time.Millisecond {
					s.fallbackArmed = false
				}
			} else if s.doneReceived && len(s.buffer) == 0 {
				s.state = StateEnded
				return true
			}
			return false
		}
		if s.doneReceived {
			// Final partial frame: flush padded with silence, then end.
			if len(s.buffer) > 0 {
				frame := s.popPaddedFrame()
				_ = s.sink.WriteFrame(frame)
			}
			s.state = StateEnded
			return true
		}
		s.state = StateStalled
		return false

	case StateStalled:
		if s.doneReceived {
			// No more chunks are coming: flush whatever is buffered
			// instead of waiting for a refill that will never arrive.
			s.state = StatePlaying
			if len(s.buffer) == 0 {
				s.state = StateEnded
				return true
			}
			return false
		}

		_ = s.sink.WriteFrame(audio.Silence(s.egressRateHz))
		s.underflowCount++

		if !s.fallbackArmed && time.Since(s.lastChunkAt) > time.Duration(s.cfg.FallbackTimeoutMs)*time.Millisecond {
			s.fallbackArmed = true
			if s.events != nil {
				s.events.OnPlaybackStalled(s.callID, s.streamID)
			}
			if len(s.cfg.FallbackClip) > 0 {
				s.buffer = append(s.buffer, s.cfg.FallbackClip...)
			}
		}

		if s.depthMs() >= s.cfg.MinStartMs {
			s.state = StatePlaying
		}
		return false

	default: // StateEnded
		return true
	}
}

func (s *stream) popFrame() audio.Frame {
	samples := s.buffer[:s.frameSamples]
	s.buffer = s.buffer[s.frameSamples:]
	out := make([]int16, s.frameSamples)
	copy(out, samples)
	s.bytesSent += int64(len(out) * 2)
	return audio.Frame{Samples: out, RateHz: s.egressRateHz, Captured: time.Now()}
}

func (s *stream) popPaddedFrame() audio.Frame {
	out := make([]int16, s.frameSamples)
	copy(out, s.buffer)
	s.buffer = nil
	s.bytesSent += int64(len(out) * 2)
	return audio.Frame{Samples: out, RateHz: s.egressRateHz, Captured: time.Now()}
}

func (s *stream) finish(reason string) {
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	if s.events != nil {
		s.events.OnStreamEnded(s.callID, s.streamID, reason)
	}
}
