// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package ari is an ARI-shaped pbx.Client: Asterisk REST Interface HTTP
// calls for call control plus a websocket for the Stasis event stream.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/pbx"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// Client implements pbx.Client against an Asterisk ARI endpoint.
type Client struct {
	cfg    config.PBXConfig
	logger commons.Logger

	httpClient *http.Client
	httpSrv    *http.Server
	ws         *websocket.Conn

	calls     chan pbx.InboundCall
	closeOnce sync.Once
}

// New constructs an ARI-shaped Client. The Stasis websocket is not dialed
// until Listen is called; the client starts no HTTP server of its own.
func New(cfg config.PBXConfig, logger commons.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		calls:      make(chan pbx.InboundCall, 16),
	}
}

// Listen implements pbx.Client: it dials the ARI Stasis event websocket
// and returns the inbound-call channel. It does not serve the
// dialplan-facing webhook; WebhookHandler returns that handler for the
// caller to mount.
func (c *Client) Listen(ctx context.Context) (<-chan pbx.InboundCall, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: dial events websocket: %w", err)
	}
	c.ws = conn

	go c.readEvents(ctx, conn)
	return c.calls, nil
}

func (c *Client) eventsURL() (string, error) {
	base, err := url.Parse(c.cfg.ARIBaseURL)
	if err != nil {
		return "", fmt.Errorf("ari: invalid ari_base_url: %w", err)
	}
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("app", c.cfg.ARIAppName)
	q.Set("api_key", fmt.Sprintf("%s:%s", c.cfg.ARIUsername, c.cfg.ARIPassword))
	q.Set("subscribeAll", "true")
	return fmt.Sprintf("%s://%s/ari/events?%s", scheme, base.Host, q.Encode()), nil
}

// ariEvent is the minimal Stasis event decode shape this client reacts
// to; StasisStart carries the channel and dialplan-set variables.
type ariEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID      string            `json:"id"`
		Caller  struct{ Number string `json:"number"` } `json:"caller"`
		Dialplan struct {
			Exten   string `json:"exten"`
			Context string `json:"context"`
		} `json:"dialplan"`
	} `json:"channel"`
	Args []string `json:"args"`
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) {
	defer close(c.calls)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Warnw("ari: events websocket closed", "err", err)
			}
			return
		}
		var evt ariEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.logger.Warnw("ari: malformed event", "err", err)
			continue
		}
		if evt.Type != "StasisStart" {
			continue
		}
		inbound := pbx.InboundCall{
			CallID:          uuid.NewString(),
			CallerChannelID: evt.Channel.ID,
			CallerNumber:    evt.Channel.Caller.Number,
			CalledNumber:    evt.Channel.Dialplan.Exten,
			Context:         parseStasisArgs(evt.Args),
			DialplanContext: evt.Channel.Dialplan.Context,
		}
		select {
		case c.calls <- inbound:
		case <-ctx.Done():
			return
		}
	}
}

// parseStasisArgs decodes "KEY=value" Stasis app args, the channel
// through which the dialplan passes AI_PROVIDER/AI_AUDIO_PROFILE/AI_*
// variables.
func parseStasisArgs(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Originate places an outbound call via POST /ari/channels: Basic Auth,
// query-encoded params, appArgs carrying correlation variables.
func (c *Client) Originate(ctx context.Context, toNumber, fromNumber string, vars map[string]string) (string, error) {
	reqURL := fmt.Sprintf("%s/ari/channels", strings.TrimRight(c.cfg.ARIBaseURL, "/"))
	params := url.Values{}
	params.Set("endpoint", toNumber)
	params.Set("callerId", fromNumber)
	params.Set("app", c.cfg.ARIAppName)

	var appArgs []string
	for k, v := range vars {
		appArgs = append(appArgs, fmt.Sprintf("%s=%s", k, v))
	}
	params.Set("appArgs", strings.Join(appArgs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("ari: build originate request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ARIUsername, c.cfg.ARIPassword)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ari: originate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ari: originate returned status %d", resp.StatusCode)
	}

	var channel struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&channel); err != nil {
		return "", fmt.Errorf("ari: decode originate response: %w", err)
	}
	return channel.ID, nil
}

// Bridge creates an externalMedia channel pointed at mediaAddr and adds
// channelID to a mixing bridge with it (the ARI idiom for routing a
// caller channel's audio to a process-owned RTP endpoint).
func (c *Client) Bridge(ctx context.Context, channelID, mediaAddr string) error {
	bridgeURL := fmt.Sprintf("%s/ari/bridges?type=mixing", strings.TrimRight(c.cfg.ARIBaseURL, "/"))
	bridgeID, err := c.post(ctx, bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("ari: create bridge: %w", err)
	}

	extParams := url.Values{}
	extParams.Set("app", c.cfg.ARIAppName)
	extParams.Set("external_host", mediaAddr)
	extParams.Set("format", "slin16")
	extURL := fmt.Sprintf("%s/ari/channels/externalMedia?%s", strings.TrimRight(c.cfg.ARIBaseURL, "/"), extParams.Encode())
	extChannelID, err := c.post(ctx, extURL, nil)
	if err != nil {
		return fmt.Errorf("ari: create external media channel: %w", err)
	}

	addURL := fmt.Sprintf("%s/ari/bridges/%s/addChannel?channel=%s,%s",
		strings.TrimRight(c.cfg.ARIBaseURL, "/"), bridgeID, channelID, extChannelID)
	if _, err := c.post(ctx, addURL, nil); err != nil {
		return fmt.Errorf("ari: add channels to bridge: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, reqURL string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ARIUsername, c.cfg.ARIPassword)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ari: request to %s returned status %d", reqURL, resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID, nil
}

// Hangup implements pbx.Client via DELETE /ari/channels/{id}.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	reqURL := fmt.Sprintf("%s/ari/channels/%s", strings.TrimRight(c.cfg.ARIBaseURL, "/"), channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("ari: build hangup request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ARIUsername, c.cfg.ARIPassword)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: hangup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("ari: hangup returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements pbx.Client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.ws != nil {
			err = c.ws.Close()
		}
		if c.httpSrv != nil {
			c.httpSrv.Close()
		}
	})
	return err
}

// WebhookHandler returns the gin handler Asterisk's dialplan hits to
// resolve the per-call AudioSocket/websocket URL before Stasis takes
// over (the URL is returned as plain text, the format the AudioSocket
// dialplan application expects).
func (c *Client) WebhookHandler(mediaURLFor func(callerNumber string) string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		callerNumber := firstNonEmpty(
			ctx.Query("from"), ctx.Query("callerid"), ctx.Query("caller"),
		)
		if callerNumber == "" {
			ctx.String(http.StatusBadRequest, "missing caller information")
			return
		}
		ctx.String(http.StatusOK, mediaURLFor(callerNumber))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
