// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"errors"

	"github.com/zaf/g711"
)

// ErrUnsupportedRate is returned by Resample for a rate pair outside
// SupportedRates.
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate pair")

// SupportedRates are the only rates Resample converts between, in any
// direction.
var SupportedRates = [...]int{8000, 16000, 24000, 48000}

func isSupportedRate(hz int) bool {
	for _, r := range SupportedRates {
		if r == hz {
			return true
		}
	}
	return false
}

// EncodeMulaw converts PCM16 @ 8kHz to G.711 mu-law bytes, bit-exact per
// the ITU reference tables (zaf/g711).
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// DecodeMulaw converts G.711 mu-law bytes back to PCM16 @ 8kHz.
func DecodeMulaw(mulaw []byte) []int16 {
	out := make([]int16, len(mulaw))
	for i, b := range mulaw {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeAlaw converts PCM16 @ 8kHz to G.711 A-law bytes.
func EncodeAlaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeAlawFrame(s)
	}
	return out
}

// DecodeAlaw converts G.711 A-law bytes back to PCM16 @ 8kHz.
func DecodeAlaw(alaw []byte) []int16 {
	out := make([]int16, len(alaw))
	for i, b := range alaw {
		out[i] = g711.DecodeAlawFrame(b)
	}
	return out
}
