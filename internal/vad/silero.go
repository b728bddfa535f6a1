// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package vad corroborates the coordinator's RMS-energy barge-in
// estimator with a Silero voice-activity model, so a burst of line noise
// or a comfort-noise generator can't trip a barge-in on its own.
package vad

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/rapidaai/voicecore/pkg/commons"
)

// Config mirrors the subset of speech.DetectorConfig exposed through
// AppConfig.
type Config struct {
	ModelPath            string
	SampleRate           int
	Threshold            float32
	MinSilenceDurationMs int
	SpeechPadMs          int
}

// Detector wraps a Silero speech.Detector behind a narrow, concurrency-safe
// interface. The underlying detector keeps streaming state across calls to
// Detect, so every inbound frame for a given call must flow through the
// same Detector, reset between calls via Reset.
type Detector struct {
	mu     sync.Mutex
	sd     *speech.Detector
	logger commons.Logger
}

// New loads the Silero ONNX model at cfg.ModelPath and constructs a
// Detector. Construction is expensive (loads and validates the ONNX
// graph); the process builds one Detector per active call, since the
// underlying model keeps per-stream state.
func New(cfg Config, logger commons.Logger) (*Detector, error) {
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create silero detector: %w", err)
	}
	return &Detector{sd: sd, logger: logger}, nil
}

// IsSpeech reports whether samples (linear PCM16 at the detector's
// configured sample rate) contain a Silero-detected speech segment.
func (d *Detector) IsSpeech(samples []int16) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pcm := make([]float32, len(samples))
	for i, s := range samples {
		pcm[i] = float32(s) / 32768.0
	}
	segments, err := d.sd.Detect(pcm)
	if err != nil {
		return false, fmt.Errorf("vad: detect: %w", err)
	}
	return len(segments) > 0, nil
}

// Reset clears the detector's internal state so one call's trailing audio
// context never leaks into the next call reusing this Detector.
func (d *Detector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sd.Reset()
}

// Close releases the underlying ONNX session.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sd.Destroy()
}
