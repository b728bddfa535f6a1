// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// maxReorderWindow bounds the RTP variant's reorder tolerance; anything
// arriving more than 3 frames out of order is dropped.
const maxReorderWindow = 3

// inboundGap is the threshold past which ReadFrame substitutes silence
// rather than keep blocking downstream timing.
const inboundGap = 40 * time.Millisecond

// RTPTransport is the ExternalMedia transport variant: one dedicated UDP
// socket per call, its local port leased from the distributed
// PortAllocator so multiple orchestrator instances never collide.
type RTPTransport struct {
	allocator *PortAllocator
	bindIP    string
	logger    commons.Logger
}

// NewRTPTransport builds the RTP transport. allocator may be nil only in
// tests that bind a fixed port directly via BindFixed.
func NewRTPTransport(allocator *PortAllocator, bindIP string, logger commons.Logger) *RTPTransport {
	return &RTPTransport{allocator: allocator, bindIP: bindIP, logger: logger}
}

// BindForCall leases a port from the allocator, opens the UDP socket, and
// returns a Connection that becomes call-id-correlated on its first
// received packet (the remote 4-tuple is learned then, for symmetric
// RTP send).
func (t *RTPTransport) BindForCall(ctx context.Context, callID string, rateHz int) (*RTPConnection, error) {
	port, err := t.allocator.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: rtp bind for call %s: %w", callID, err)
	}
	conn, err := t.bind(callID, port, rateHz)
	if err != nil {
		t.allocator.Release(ctx, port)
		return nil, err
	}
	conn.onClose = func() { t.allocator.Release(context.Background(), port) }
	return conn, nil
}

// BindFixed binds a caller-chosen port directly, bypassing the
// distributed allocator; used by tests and single-instance deployments.
func (t *RTPTransport) BindFixed(callID string, port int, rateHz int) (*RTPConnection, error) {
	return t.bind(callID, port, rateHz)
}

func (t *RTPTransport) bind(callID string, port int, rateHz int) (*RTPConnection, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(t.bindIP), Port: port}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: rtp listen %s:%d: %w", t.bindIP, port, err)
	}
	c := &RTPConnection{
		callID: callID,
		rateHz: rateHz,
		conn:   udpConn,
		port:   port,
		logger: t.logger,
		frames: make(chan audio.Frame, 50),
		closed: make(chan struct{}),
		reorder: reorderBuffer{maxWindow: maxReorderWindow},
	}
	go c.readLoop()
	return c, nil
}

// RTPConnection is one call's ExternalMedia socket.
type RTPConnection struct {
	callID string
	rateHz int
	conn   *net.UDPConn
	port   int
	logger commons.Logger

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	reorder reorderBuffer

	frames chan audio.Frame
	Metrics Metrics

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()

	lastDelivered time.Time
	sendSeq       uint16
	sendTimestamp uint32
	ssrc          uint32
}

func (c *RTPConnection) CallID() string { return c.callID }

// LocalAddr returns the "ip:port" this call's socket is bound to, the
// address handed to the PBX client's externalMedia channel originate.
func (c *RTPConnection) LocalAddr() string { return c.conn.LocalAddr().String() }

func (c *RTPConnection) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warnw("rtp read error", "call_id", c.callID, "err", err)
			}
			return
		}
		c.remoteMu.Lock()
		if c.remote == nil {
			c.remote = raddr
		}
		c.remoteMu.Unlock()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue // malformed packet, transient
		}
		samples := audio.BytesToPCM16(pkt.Payload)
		frame := audio.Frame{Samples: samples, RateHz: c.rateHz, Captured: time.Now()}

		ready, late := c.reorder.insert(pkt.SequenceNumber, frame)
		if late {
			atomic.AddInt64(&c.Metrics.DroppedLate, 1)
			continue
		}
		if len(ready) > 1 {
			atomic.AddInt64(&c.Metrics.ReorderedFrames, int64(len(ready)-1))
		}
		for _, f := range ready {
			select {
			case c.frames <- f:
			default:
				atomic.AddInt64(&c.Metrics.DroppedOverflow, 1)
			}
		}
	}
}

// ReadFrame blocks for one ordered frame, substituting silence once the
// inbound gap exceeds 40ms so downstream pacing never stalls.
func (c *RTPConnection) ReadFrame(deadline time.Time) (audio.Frame, error) {
	timer := time.NewTimer(inboundGap)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return audio.Frame{}, ErrClosed
			}
			c.lastDelivered = time.Now()
			return f, nil
		case <-timer.C:
			atomic.AddInt64(&c.Metrics.SilenceSubstituted, 1)
			return audio.Silence(c.rateHz), nil
		case <-c.closed:
			return audio.Frame{}, ErrClosed
		}
	}
}

// WriteFrame marshals f as one RTP packet and sends it to the learned
// remote address. The transport carries raw linear PCM16, so the payload
// type is a fixed dynamic value rather than PCMU/PCMA.
func (c *RTPConnection) WriteFrame(f audio.Frame) error {
	c.remoteMu.RLock()
	remote := c.remote
	c.remoteMu.RUnlock()
	if remote == nil {
		return nil // no remote learned yet; drop silently, nothing to send to
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96, // dynamic payload type for linear PCM16
			SequenceNumber: c.sendSeq,
			Timestamp:      c.sendTimestamp,
			SSRC:           c.ssrc,
		},
		Payload: audio.PCM16ToBytes(f.Samples),
	}
	c.sendSeq++
	c.sendTimestamp += uint32(len(f.Samples))

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshal rtp packet: %w", err)
	}
	if _, err := c.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *RTPConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// --- reorder buffer ---

type reorderBuffer struct {
	mu        sync.Mutex
	window    map[uint16]audio.Frame
	nextSeq   uint16
	started   bool
	maxWindow int
}

// insert admits one arriving packet's frame, returning in-order frames
// ready for delivery. late is true when seq is older than the current
// playout cursor (the frame is dropped and counted).
func (b *reorderBuffer) insert(seq uint16, frame audio.Frame) (ready []audio.Frame, late bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.nextSeq = seq
		b.started = true
	}
	if int16(seq-b.nextSeq) < 0 {
		return nil, true
	}

	if b.window == nil {
		b.window = make(map[uint16]audio.Frame)
	}
	b.window[seq] = frame

	drain := func() {
		for {
			f, ok := b.window[b.nextSeq]
			if !ok {
				break
			}
			ready = append(ready, f)
			delete(b.window, b.nextSeq)
			b.nextSeq++
		}
	}
	drain()
	for len(b.window) > b.maxWindow {
		// The packet at nextSeq is missing and the window is full of
		// newer arrivals: skip it rather than wait indefinitely.
		delete(b.window, b.nextSeq)
		b.nextSeq++
		drain()
	}
	return ready, false
}
