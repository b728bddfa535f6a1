// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/audio"
)

func frame(tag int16) audio.Frame {
	return audio.Frame{Samples: []int16{tag}}
}

func TestReorderBufferInOrder(t *testing.T) {
	var b reorderBuffer
	b.maxWindow = maxReorderWindow

	ready, late := b.insert(100, frame(1))
	require.False(t, late)
	require.Len(t, ready, 1)
	assert.Equal(t, int16(1), ready[0].Samples[0])

	ready, late = b.insert(101, frame(2))
	require.False(t, late)
	require.Len(t, ready, 1)
	assert.Equal(t, int16(2), ready[0].Samples[0])
}

func TestReorderBufferToleratesSmallReorder(t *testing.T) {
	var b reorderBuffer
	b.maxWindow = maxReorderWindow

	_, late := b.insert(100, frame(1))
	require.False(t, late)

	// 102 arrives before 101: buffered, not yet deliverable.
	ready, late := b.insert(102, frame(3))
	require.False(t, late)
	assert.Empty(t, ready)

	// 101 arrives: both 101 and 102 drain in order.
	ready, late = b.insert(101, frame(2))
	require.False(t, late)
	require.Len(t, ready, 2)
	assert.Equal(t, int16(2), ready[0].Samples[0])
	assert.Equal(t, int16(3), ready[1].Samples[0])
}

func TestReorderBufferDropsLate(t *testing.T) {
	var b reorderBuffer
	b.maxWindow = maxReorderWindow

	b.insert(100, frame(1))
	b.insert(101, frame(2))

	// 99 is older than the playout cursor: dropped and counted.
	_, late := b.insert(99, frame(0))
	assert.True(t, late)
}

func TestReorderBufferSkipsStuckSlotPastWindow(t *testing.T) {
	var b reorderBuffer
	b.maxWindow = maxReorderWindow

	b.insert(100, frame(1)) // drains immediately, nextSeq=101

	// 101 never arrives. Newer packets fill the window past its bound.
	for _, seq := range []uint16{102, 103, 104, 105} {
		b.insert(seq, frame(int16(seq)))
	}

	// Once the window has more than maxWindow pending entries, the stuck
	// slot (101) is skipped so the buffer keeps making progress.
	ready, _ := b.insert(106, frame(106))
	assert.NotEmpty(t, ready)
}

func TestSequenceWraparound(t *testing.T) {
	var b reorderBuffer
	b.maxWindow = maxReorderWindow

	ready, late := b.insert(65535, frame(1))
	require.False(t, late)
	require.Len(t, ready, 1)

	ready, late = b.insert(0, frame(2))
	require.False(t, late)
	require.Len(t, ready, 1)
	assert.Equal(t, int16(2), ready[0].Samples[0])
}
