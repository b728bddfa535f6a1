// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package pbx is the PBX client abstraction: the boundary between the
// call orchestrator and whatever telephony control plane actually
// places, bridges, and tears down calls. Two concrete clients ship here,
// an ARI-shaped HTTP+websocket client (package ari) and a SIP-native
// ingress client (package sipingress), both satisfying the same Client
// contract so the orchestrator never branches on which one is active.
package pbx

import "context"

// InboundCall is what a PBX implementation hands the Orchestrator when a
// new call arrives, before any provider/profile resolution happens.
type InboundCall struct {
	CallID          string
	CallerChannelID string
	CallerNumber    string
	CalledNumber    string
	// Context carries dialplan-supplied channel variables (AI_PROVIDER,
	// AI_AUDIO_PROFILE, AI_CONTEXT_*) for per-call override resolution.
	Context map[string]string
	// DialplanContext names the routing context the call arrived through
	// (the ARI channel's dialplan context, or the called-number/DID for
	// SIP ingress). Used for the "context mapping" precedence tier in
	// provider selection, between an explicit AI_PROVIDER variable and
	// the process-wide default.
	DialplanContext string
}

// Client is the PBX control-plane contract the Orchestrator depends on.
// Implementations never reach into Orchestrator internals; all state
// flows through this interface's return values and the InboundCall
// channel from Listen.
type Client interface {
	// Listen starts accepting inbound calls and returns a channel the
	// Orchestrator ranges over; it is closed when ctx is canceled.
	Listen(ctx context.Context) (<-chan InboundCall, error)
	// Originate places an outbound call, returning the provider-assigned
	// channel-id used for subsequent Bridge/Hangup calls.
	Originate(ctx context.Context, toNumber, fromNumber string, vars map[string]string) (channelID string, err error)
	// Bridge connects a caller channel to this process's media endpoint
	// (an already-bound Transport listener address).
	Bridge(ctx context.Context, channelID, mediaAddr string) error
	// Hangup terminates the channel. Idempotent from the Orchestrator's
	// perspective.
	Hangup(ctx context.Context, channelID string) error
	// Close releases any held resources (websocket connections, SIP
	// listeners).
	Close() error
}
