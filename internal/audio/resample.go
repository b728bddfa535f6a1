// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	resampler "github.com/tphakala/go-audio-resampler"
)

// Resample performs linear-phase resampling between any two SupportedRates.
// Output length is round(len(samples) * outHz / inHz). A no-op
// (copy) is returned when inHz == outHz.
func Resample(samples []int16, inHz, outHz int) ([]int16, error) {
	if inHz == outHz {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	if !isSupportedRate(inHz) || !isSupportedRate(outHz) {
		return nil, ErrUnsupportedRate
	}
	if len(samples) == 0 {
		return nil, nil
	}

	r, err := resampler.New(inHz, outHz, 1)
	if err != nil {
		return nil, err
	}
	return r.Resample(samples)
}

// ResampleStream wraps a *resampler.Resampler for callers that need to
// resample many chunks of one logical stream without re-deriving filter
// state per chunk (used by the playback manager, which resamples once per
// provider chunk rather than per frame).
type ResampleStream struct {
	r          *resampler.Resampler
	inHz, outHz int
}

// NewResampleStream constructs a reusable resampler for a fixed rate pair.
func NewResampleStream(inHz, outHz int) (*ResampleStream, error) {
	if !isSupportedRate(inHz) || !isSupportedRate(outHz) {
		return nil, ErrUnsupportedRate
	}
	r, err := resampler.New(inHz, outHz, 1)
	if err != nil {
		return nil, err
	}
	return &ResampleStream{r: r, inHz: inHz, outHz: outHz}, nil
}

// Push resamples one chunk, preserving filter continuity across calls.
func (s *ResampleStream) Push(samples []int16) ([]int16, error) {
	if s.inHz == s.outHz {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return s.r.Resample(samples)
}
