// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleSameRateIsCopy(t *testing.T) {
	in := sineWave(440, 8000, 800)
	out, err := Resample(in, 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResampleUnsupportedRate(t *testing.T) {
	_, err := Resample([]int16{1, 2, 3}, 8000, 44100)
	assert.ErrorIs(t, err, ErrUnsupportedRate)
}

func TestResampleOutputLength(t *testing.T) {
	in := sineWave(440, 8000, 800) // 100ms @ 8kHz
	out, err := Resample(in, 8000, 24000)
	require.NoError(t, err)
	wantLen := len(in) * 24000 / 8000
	// Allow the documented rounding tolerance.
	assert.InDelta(t, wantLen, len(out), 2)
}

func TestResampleRoundTripSNR(t *testing.T) {
	in := sineWave(1000, 8000, 8000)
	up, err := Resample(in, 8000, 24000)
	require.NoError(t, err)
	down, err := Resample(up, 24000, 8000)
	require.NoError(t, err)
	require.Len(t, down, len(in))
	assert.GreaterOrEqual(t, psnr(in, down), 30.0)
}

func TestResampleEmptyInput(t *testing.T) {
	out, err := Resample(nil, 8000, 24000)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResampleStreamPreservesContinuity(t *testing.T) {
	stream, err := NewResampleStream(8000, 16000)
	require.NoError(t, err)

	chunk1 := sineWave(440, 8000, 160)
	chunk2 := sineWave(440, 8000, 160)

	out1, err := stream.Push(chunk1)
	require.NoError(t, err)
	out2, err := stream.Push(chunk2)
	require.NoError(t, err)

	assert.NotEmpty(t, out1)
	assert.NotEmpty(t, out2)
}
