// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"fmt"
	"os"
)

// LoadPCM16File reads a raw little-endian PCM16 mono clip from path.
// Greeting and stall-filler clips are shipped this way, pre-rendered at
// the egress rate, so playback never decodes a container format mid-call.
func LoadPCM16File(path string) ([]int16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read pcm file %s: %w", path, err)
	}
	if len(b) < 2 {
		return nil, fmt.Errorf("audio: pcm file %s is empty", path)
	}
	return BytesToPCM16(b), nil
}
