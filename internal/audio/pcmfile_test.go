// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPCM16File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.pcm")
	samples := []int16{0, 100, -100, 32767}
	require.NoError(t, os.WriteFile(path, PCM16ToBytes(samples), 0o644))

	got, err := LoadPCM16File(path)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}

func TestLoadPCM16FileMissing(t *testing.T) {
	_, err := LoadPCM16File(filepath.Join(t.TempDir(), "nope.pcm"))
	assert.Error(t, err)
}

func TestLoadPCM16FileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pcm")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := LoadPCM16File(path)
	assert.Error(t, err)
}
