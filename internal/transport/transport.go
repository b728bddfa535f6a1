// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package transport holds the two interchangeable upstream media
// backends: RTP-over-UDP "ExternalMedia" and framed-TCP "AudioSocket".
// Both implement the same Transport/Connection contract so the
// orchestrator never branches on transport kind past call setup.
package transport

import (
	"errors"
	"time"

	"github.com/rapidaai/voicecore/internal/audio"
)

// ErrClosed is the authoritative signal a read/write loop surfaces once a
// connection is gone; the orchestrator treats it as fatal for the call
// and begins teardown.
var ErrClosed = errors.New("transport: connection closed")

// Connection is one call's bidirectional 20ms PCM frame path.
type Connection interface {
	// CallID returns the call-id correlated from the first metadata frame
	// (AudioSocket UUID frame, or the out-of-band RTP port binding).
	CallID() string
	// ReadFrame blocks until one 20ms frame is available, deadline
	// elapses, or the connection closes. Inbound gaps longer than 40ms
	// yield a silence frame rather than blocking downstream timing.
	ReadFrame(deadline time.Time) (audio.Frame, error)
	// WriteFrame enqueues one frame for transmission; it never blocks
	// more than one frame's worth of time and drops the frame (counted)
	// on overflow.
	WriteFrame(f audio.Frame) error
	// Close releases the connection's resources. Idempotent.
	Close() error
}

// Listener accepts new Connections for one transport kind.
type Listener interface {
	// Accept blocks until a new Connection is available or the listener
	// is closed.
	Accept() (Connection, error)
	// Close stops accepting and releases the bind.
	Close() error
	// Addr reports the local bind (for logging/diagnostics).
	Addr() string
}

// Transport is the per-kind listener factory.
type Transport interface {
	// Listen binds to localBind and returns a Listener new connections
	// arrive on.
	Listen(localBind string) (Listener, error)
}

// Metrics are the transport-layer counters rolled into the per-call
// metrics: dropped/reordered/substituted frames.
type Metrics struct {
	ReorderedFrames  int64
	DroppedLate      int64
	DroppedOverflow  int64
	SilenceSubstituted int64
}
