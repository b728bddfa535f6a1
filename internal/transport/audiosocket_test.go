// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/pkg/commons"
)

func TestAudioSocketFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	id := uuid.New()
	go func() {
		writeFrame(client, asTypeUUID, id[:])
		writeFrame(client, asTypeAudio, audio.PCM16ToBytes([]int16{1, 2, 3, 4}))
	}()

	callID, err := readUUIDFrame(server)
	require.NoError(t, err)
	assert.Equal(t, id.String(), callID)

	conn := newAudioSocketConnection(callID, server, 8000, commons.NewNop())
	go conn.readLoop()

	f, err := conn.ReadFrame(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3, 4}, f.Samples)
}

func TestAudioSocketRejectsNonUUIDFirstFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go writeFrame(client, asTypeAudio, []byte{0, 0})

	_, err := readUUIDFrame(server)
	assert.Error(t, err)
}

func TestAudioSocketSubstitutesSilenceOnGap(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()

	conn := newAudioSocketConnection("call-1", server, 8000, commons.NewNop())
	// No readLoop started: frames channel never receives, forcing the
	// silence-substitution path after the 40ms inbound gap.
	f, err := conn.ReadFrame(time.Now().Add(100 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, audio.SamplesPerFrame(8000), len(f.Samples))
	for _, s := range f.Samples {
		assert.Zero(t, s)
	}
}
