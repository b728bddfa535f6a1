// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// AudioSocket frame types per the vendor wire protocol.
const (
	asTypeUUID      byte = 0x01
	asTypeAudio     byte = 0x10
	asTypeTerminate byte = 0xFF
)

// AudioSocketTransport is the framed-TCP transport variant.
type AudioSocketTransport struct {
	rateHz int
	logger commons.Logger
}

// NewAudioSocketTransport builds the AudioSocket transport. rateHz is the
// negotiated PCM rate carried on the wire (typically 8kHz).
func NewAudioSocketTransport(rateHz int, logger commons.Logger) *AudioSocketTransport {
	return &AudioSocketTransport{rateHz: rateHz, logger: logger}
}

// Listen implements Transport.
func (t *AudioSocketTransport) Listen(localBind string) (Listener, error) {
	ln, err := net.Listen("tcp", localBind)
	if err != nil {
		return nil, fmt.Errorf("transport: audiosocket listen %s: %w", localBind, err)
	}
	return &audioSocketListener{ln: ln, rateHz: t.rateHz, logger: t.logger}, nil
}

type audioSocketListener struct {
	ln     net.Listener
	rateHz int
	logger commons.Logger
}

func (l *audioSocketListener) Addr() string { return l.ln.Addr().String() }

func (l *audioSocketListener) Close() error { return l.ln.Close() }

// Accept blocks for a new TCP connection, then reads the mandatory first
// UUID frame to correlate it to a call-id before returning.
func (l *audioSocketListener) Accept() (Connection, error) {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		callID, err := readUUIDFrame(raw)
		if err != nil {
			l.logger.Warnw("audiosocket: rejecting connection without valid UUID frame", "err", err)
			raw.Close()
			continue
		}
		c := newAudioSocketConnection(callID, raw, l.rateHz, l.logger)
		go c.readLoop()
		return c, nil
	}
}

func readUUIDFrame(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	typ, payload, err := readFrame(conn)
	if err != nil {
		return "", err
	}
	if typ != asTypeUUID || len(payload) != 16 {
		return "", fmt.Errorf("transport: expected 16-byte UUID frame, got type 0x%02x len %d", typ, len(payload))
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		return "", fmt.Errorf("transport: malformed UUID frame: %w", err)
	}
	return id.String(), nil
}

// readFrame reads one {type uint8, length uint16 big-endian, payload}
// frame per the AudioSocket vendor protocol.
func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	typ := header[0]
	length := binary.BigEndian.Uint16(header[1:3])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typ, payload, nil
}

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	header := make([]byte, 3, 3+len(payload))
	header[0] = typ
	binary.BigEndian.PutUint16(header[1:3], uint16(len(payload)))
	header = append(header, payload...)
	_, err := w.Write(header)
	return err
}

// AudioSocketConnection is one call's framed-TCP connection.
type AudioSocketConnection struct {
	callID string
	rateHz int
	conn   net.Conn
	logger commons.Logger

	frames  chan audio.Frame
	Metrics Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newAudioSocketConnection(callID string, conn net.Conn, rateHz int, logger commons.Logger) *AudioSocketConnection {
	return &AudioSocketConnection{
		callID: callID,
		rateHz: rateHz,
		conn:   conn,
		logger: logger,
		frames: make(chan audio.Frame, 50),
		closed: make(chan struct{}),
	}
}

func (c *AudioSocketConnection) CallID() string { return c.callID }

func (c *AudioSocketConnection) readLoop() {
	defer close(c.frames)
	for {
		typ, payload, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debugw("audiosocket read loop ending", "call_id", c.callID, "err", err)
			}
			return
		}
		switch typ {
		case asTypeAudio:
			samples := audio.BytesToPCM16(payload)
			frame := audio.Frame{Samples: samples, RateHz: c.rateHz, Captured: time.Now()}
			select {
			case c.frames <- frame:
			default:
				atomic.AddInt64(&c.Metrics.DroppedOverflow, 1)
			}
		case asTypeTerminate:
			return
		default:
			// unknown frame type, ignored
		}
	}
}

// ReadFrame blocks for one ordered frame, substituting silence past a
// 40ms inbound gap.
func (c *AudioSocketConnection) ReadFrame(deadline time.Time) (audio.Frame, error) {
	timer := time.NewTimer(inboundGap)
	defer timer.Stop()
	select {
	case f, ok := <-c.frames:
		if !ok {
			return audio.Frame{}, ErrClosed
		}
		return f, nil
	case <-timer.C:
		atomic.AddInt64(&c.Metrics.SilenceSubstituted, 1)
		return audio.Silence(c.rateHz), nil
	case <-c.closed:
		return audio.Frame{}, ErrClosed
	}
}

// WriteFrame sends one PCM audio frame (type 0x10).
func (c *AudioSocketConnection) WriteFrame(f audio.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(audio.FrameDurationMs * time.Millisecond))
	if err := writeFrame(c.conn, asTypeAudio, audio.PCM16ToBytes(f.Samples)); err != nil {
		atomic.AddInt64(&c.Metrics.DroppedOverflow, 1)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *AudioSocketConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		writeFrame(c.conn, asTypeTerminate, nil)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
