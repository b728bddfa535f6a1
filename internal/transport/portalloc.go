// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/voicecore/pkg/commons"
)

const (
	// hash-tagged so the available/allocated keys land on the same Redis
	// Cluster slot.
	rtpAvailableKey    = "{rtp:ports}:available"
	rtpAllocatedPrefix = "{rtp:ports}:allocated:"
	rtpAllocatedTTL    = 10 * time.Minute
)

// PortAllocator leases local UDP ports for the RTP transport from a
// distributed, Redis-backed pool, so multiple orchestrator instances
// never collide on the same host-port range. Ports are even-numbered per
// RFC 3550 (the following odd port is reserved for RTCP, unused by this
// transport but kept free).
type PortAllocator struct {
	client     redis.UniversalClient
	logger     commons.Logger
	portStart  int
	portEnd    int
	instanceID string
}

// NewPortAllocator builds an allocator over [portStart, portEnd).
func NewPortAllocator(client redis.UniversalClient, logger commons.Logger, portStart, portEnd int) *PortAllocator {
	hostname, _ := os.Hostname()
	return &PortAllocator{
		client:     client,
		logger:     logger,
		portStart:  portStart,
		portEnd:    portEnd,
		instanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

var initPortsScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		for i = 1, #ARGV do
			redis.call('SADD', key, ARGV[i])
		end
		return #ARGV
	end
	return 0
`)

// Init populates the available-ports set on first use; safe to call on
// every process start.
func (a *PortAllocator) Init(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("transport: redis connection not configured for port allocator")
	}
	start := a.portStart
	if start%2 != 0 {
		start++
	}
	ports := make([]interface{}, 0, (a.portEnd-start)/2)
	for p := start; p < a.portEnd; p += 2 {
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return fmt.Errorf("transport: no valid RTP ports in range %d-%d", a.portStart, a.portEnd)
	}
	n, err := initPortsScript.Run(ctx, a.client, []string{rtpAvailableKey}, ports...).Int()
	if err != nil {
		return fmt.Errorf("transport: init RTP port pool: %w", err)
	}
	if n > 0 {
		a.logger.Infow("initialized RTP port pool", "ports_added", n, "range_start", a.portStart, "range_end", a.portEnd)
	}
	a.reclaimCrashed(ctx)
	return nil
}

var allocatePortScript = redis.NewScript(`
	local port = redis.call('SPOP', KEYS[1])
	if port == false then
		return -1
	end
	redis.call('SADD', KEYS[2], port)
	return port
`)

// Allocate leases the next available port.
func (a *PortAllocator) Allocate(ctx context.Context) (int, error) {
	if a.client == nil {
		return 0, fmt.Errorf("transport: redis connection not configured for port allocator")
	}
	instanceKey := rtpAllocatedPrefix + a.instanceID
	result, err := allocatePortScript.Run(ctx, a.client, []string{rtpAvailableKey, instanceKey}).Int()
	if err != nil {
		return 0, fmt.Errorf("transport: allocate RTP port: %w", err)
	}
	if result == -1 {
		return 0, fmt.Errorf("transport: no RTP ports available in range %d-%d", a.portStart, a.portEnd)
	}
	a.client.Expire(ctx, instanceKey, rtpAllocatedTTL)
	return result, nil
}

var releasePortScript = redis.NewScript(`
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[1], ARGV[1])
	return 1
`)

// Release returns port to the pool.
func (a *PortAllocator) Release(ctx context.Context, port int) {
	if a.client == nil {
		return
	}
	instanceKey := rtpAllocatedPrefix + a.instanceID
	if _, err := releasePortScript.Run(ctx, a.client, []string{rtpAvailableKey, instanceKey}, port).Result(); err != nil {
		a.logger.Warnw("failed to release RTP port", "port", port, "err", err)
	}
}

// reclaimCrashed moves ports tracked under this instance's key (from a
// prior crash with the same hostname:pid) back to the available pool.
func (a *PortAllocator) reclaimCrashed(ctx context.Context) {
	instanceKey := rtpAllocatedPrefix + a.instanceID
	ports, err := a.client.SMembers(ctx, instanceKey).Result()
	if err != nil || len(ports) == 0 {
		return
	}
	a.logger.Warnw("reclaiming RTP ports from crashed instance", "instance", a.instanceID, "count", len(ports))
	for _, ps := range ports {
		port, err := strconv.Atoi(ps)
		if err != nil {
			continue
		}
		a.Release(ctx, port)
	}
}
