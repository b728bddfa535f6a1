// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package deepgramstt is a pipeline-mode provider adapter covering the
// STT leg of an STT -> LLM -> TTS agent: it emits
// transcript_delta/transcript_final events from a live transcription
// stream and nothing else. A pipeline-mode deployment composes this
// adapter's transcripts into an LLM+TTS stage that sits outside the
// provider adapter boundary.
//
// It speaks Deepgram's streaming-transcription websocket protocol
// directly over gorilla/websocket; the protocol is a stable, documented
// surface and the dependency footprint stays the same as the rest of the
// module's websocket clients.
package deepgramstt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/pkg/commons"
)

// Config is the provider-block configuration for
// config.AppConfig.Providers["deepgram_stt"].
type Config struct {
	APIKey     string
	Model      string
	WSEndpoint string
}

const defaultEndpoint = "wss://api.deepgram.com/v1/listen"

const nativeRateHz = 16000

// Adapter streams inbound PCM16 to a live Deepgram transcription
// connection and surfaces interim/final transcripts as session.Events.
// It never emits AgentAudioChunk/AgentAudioDone: the TTS leg is out of
// scope for this adapter.
type Adapter struct {
	cfg    Config
	logger commons.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sink   func(session.Event)

	closeOnce sync.Once
}

// New constructs an Adapter, matching provider.Factory's signature.
func New(cfg map[string]interface{}, logger commons.Logger) (provider.Adapter, error) {
	c := Config{
		APIKey:     stringField(cfg, "api_key"),
		Model:      stringFieldOr(cfg, "model", "nova-2"),
		WSEndpoint: stringFieldOr(cfg, "ws_endpoint", defaultEndpoint),
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("deepgramstt: api_key is required")
	}
	return &Adapter{cfg: c, logger: logger}, nil
}

// Capabilities implements provider.Adapter. Pipeline-mode: the caller's
// speech boundaries are inferred from interim/final transcript timing by
// the Coordinator's own estimator, not from adapter-pushed events.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsBargeInEvents: false,
		NativeInputRateHz:     nativeRateHz,
		Continuous:            false,
	}
}

// StartSession implements provider.Adapter.
func (a *Adapter) StartSession(ctx context.Context, callID string, profile session.Profile, initialContext map[string]string) error {
	endpoint, err := url.Parse(a.cfg.WSEndpoint)
	if err != nil {
		return fmt.Errorf("deepgramstt: invalid ws_endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", a.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", nativeRateHz))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+a.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return fmt.Errorf("deepgramstt: dial listen endpoint: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn, callID)
	return nil
}

// SendAudio implements provider.Adapter: Deepgram's live endpoint accepts
// raw binary PCM frames on the same socket used for JSON results.
func (a *Adapter) SendAudio(callID string, frame audio.Frame) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("deepgramstt: session not started for call %s", callID)
	}
	return conn.WriteMessage(websocket.BinaryMessage, audio.PCM16ToBytes(frame.Samples))
}

// CancelResponse implements provider.Adapter. A no-op: there is no
// in-flight generative response to cancel on the STT leg.
func (a *Adapter) CancelResponse(callID string) error { return nil }

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
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
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

type wireResult struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

func (a *Adapter) readLoop(conn *websocket.Conn, callID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.emit(session.Event{Kind: session.EventProviderClosed, CallID: callID, Timestamp: time.Now(), Err: err})
			return
		}
		var res wireResult
		if err := json.Unmarshal(raw, &res); err != nil {
			a.logger.Warnw("deepgramstt: malformed result", "call_id", callID, "err", err)
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		text := res.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		kind := session.EventTranscriptDelta
		if res.IsFinal {
			kind = session.EventTranscriptFinal
		}
		a.emit(session.Event{Kind: kind, CallID: callID, Text: text, Timestamp: time.Now()})
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
