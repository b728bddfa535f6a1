// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package openairt is a full-duplex provider adapter for OpenAI's
// realtime voice API: one websocket per call carrying both audio and
// JSON control events, a single continuous logical response per turn,
// and server-reported speech_started / speech_stopped events feeding the
// barge-in path.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// Config is the provider-block configuration consumed from
// config.AppConfig.Providers["openai_realtime"].
type Config struct {
	APIKey     string
	Model      string
	WSEndpoint string // defaults to the realtime endpoint below when empty
	Voice      string
}

const defaultEndpoint = "wss://api.openai.com/v1/realtime"

// nativeRateHz is the PCM rate OpenAI's realtime API negotiates audio at.
const nativeRateHz = 24000

// Adapter implements provider.Adapter against one realtime websocket
// session per call. Instances are not shared across calls.
type Adapter struct {
	cfg    Config
	logger commons.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	callID string
	sink   func(session.Event)

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs an Adapter from a provider-block config map and a
// logger, matching provider.Factory's signature.
func New(cfg map[string]interface{}, logger commons.Logger) (provider.Adapter, error) {
	c := Config{
		APIKey:     stringField(cfg, "api_key"),
		Model:      stringFieldOr(cfg, "model", "gpt-4o-realtime-preview"),
		WSEndpoint: stringFieldOr(cfg, "ws_endpoint", defaultEndpoint),
		Voice:      stringFieldOr(cfg, "voice", "alloy"),
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("openairt: api_key is required")
	}
	return &Adapter{cfg: c, logger: logger, done: make(chan struct{})}, nil
}

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsBargeInEvents: true,
		NativeInputRateHz:     nativeRateHz,
		Continuous:            true,
	}
}

// handshake performs a lightweight, well-documented REST call (listing
// available models) to fail fast on a bad API key before opening the
// realtime websocket, rather than discovering auth failures mid-call.
func (a *Adapter) handshake(ctx context.Context) error {
	client := openai.NewClient(option.WithAPIKey(a.cfg.APIKey))
	_, err := client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openairt: handshake: %w", err)
	}
	return nil
}

// StartSession implements provider.Adapter.
func (a *Adapter) StartSession(ctx context.Context, callID string, profile session.Profile, initialContext map[string]string) error {
	if err := a.handshake(ctx); err != nil {
		return err
	}

	endpoint, err := url.Parse(a.cfg.WSEndpoint)
	if err != nil {
		return fmt.Errorf("openairt: invalid ws_endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", a.cfg.Model)
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return fmt.Errorf("openairt: dial realtime endpoint: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.callID = callID
	a.mu.Unlock()

	sessionUpdate := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"voice":              a.cfg.Voice,
			"instructions":       initialContext["instructions"],
			"input_audio_format": "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection": map[string]interface{}{
				"type": "server_vad",
			},
		},
	}
	if err := conn.WriteJSON(sessionUpdate); err != nil {
		conn.Close()
		return fmt.Errorf("openairt: session.update: %w", err)
	}

	go a.readLoop(conn, callID)
	return nil
}

// SendAudio implements provider.Adapter: base64-encodes the PCM16 payload
// into an input_audio_buffer.append event, the realtime API's documented
// mechanism for streaming caller audio.
func (a *Adapter) SendAudio(callID string, frame audio.Frame) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("openairt: session not started for call %s", callID)
	}
	evt := map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(frame.Samples)),
	}
	return conn.WriteJSON(evt)
}

// CancelResponse implements provider.Adapter.
func (a *Adapter) CancelResponse(callID string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{"type": "response.cancel"})
}

// EndSession implements provider.Adapter. Idempotent.
func (a *Adapter) EndSession(callID string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = conn.Close()
	})
	return err
}

// OnEvent implements provider.Adapter.
func (a *Adapter) OnEvent(fn func(session.Event)) {
	a.mu.Lock()
	a.sink = fn
	a.mu.Unlock()
}

// wireEvent is the minimal decode shape for the realtime event stream;
// unrecognized fields are ignored.
type wireEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`       // response.audio.delta / response.text.delta: base64 or text
	Text  string `json:"transcript"`  // conversation.item.input_audio_transcription.completed
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) readLoop(conn *websocket.Conn, callID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.emit(session.Event{Kind: session.EventProviderClosed, CallID: callID, Timestamp: time.Now(), Err: err})
			return
		}
		var evt wireEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			a.logger.Warnw("openairt: malformed event", "call_id", callID, "err", err)
			continue
		}
		a.dispatch(callID, evt)
	}
}

func (a *Adapter) dispatch(callID string, evt wireEvent) {
	now := time.Now()
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		a.emit(session.Event{Kind: session.EventProviderSpeechStarted, CallID: callID, Timestamp: now})
	case "input_audio_buffer.speech_stopped":
		a.emit(session.Event{Kind: session.EventProviderSpeechStopped, CallID: callID, Timestamp: now})
	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			a.logger.Warnw("openairt: bad audio delta", "call_id", callID, "err", err)
			return
		}
		a.emit(session.Event{Kind: session.EventAgentAudioChunk, CallID: callID, Audio: audio.BytesToPCM16(raw), Timestamp: now})
	case "response.audio.done", "response.done":
		a.emit(session.Event{Kind: session.EventAgentAudioDone, CallID: callID, Timestamp: now})
	case "response.audio_transcript.delta":
		a.emit(session.Event{Kind: session.EventTranscriptDelta, CallID: callID, Text: evt.Delta, Timestamp: now})
	case "conversation.item.input_audio_transcription.completed":
		a.emit(session.Event{Kind: session.EventTranscriptFinal, CallID: callID, Text: evt.Text, Timestamp: now})
	case "error":
		a.emit(session.Event{Kind: session.EventProviderError, CallID: callID, Err: fmt.Errorf("openairt: %s", evt.Error.Message), Timestamp: now})
	}
}

func (a *Adapter) emit(ev session.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func stringField(cfg map[string]interface{}, key string) string {
	v, _ := cfg[key].(string)
	return v
}

func stringFieldOr(cfg map[string]interface{}, key, def string) string {
	if v := stringField(cfg, key); v != "" {
		return v
	}
	return def
}
