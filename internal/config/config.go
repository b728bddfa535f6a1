// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package config loads the static process configuration via viper and
// exposes typed accessors. Per-call overrides are layered on top through
// CallOption values, not by mutating this struct.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AudioProfile names the three codecs a call resolves to.
type AudioProfile struct {
	Name            string `mapstructure:"name"`
	IngressCodec    string `mapstructure:"ingress_codec"`
	IngressRateHz   int    `mapstructure:"ingress_rate_hz"`
	ProviderCodec   string `mapstructure:"provider_codec"`
	ProviderRateHz  int    `mapstructure:"provider_rate_hz"`
	EgressCodec     string `mapstructure:"egress_codec"`
	EgressRateHz    int    `mapstructure:"egress_rate_hz"`
}

// AudioConfig carries the named profile table.
type AudioConfig struct {
	Profiles []AudioProfile `mapstructure:"profiles"`
}

// StreamingConfig holds the playback manager's tunables.
type StreamingConfig struct {
	MinStartMs       int `mapstructure:"min_start_ms"`
	LowWatermarkMs   int `mapstructure:"low_watermark_ms"`
	FallbackTimeoutMs int `mapstructure:"fallback_timeout_ms"`
	JitterBufferMs   int `mapstructure:"jitter_buffer_ms"`
	FallbackFilePath string `mapstructure:"fallback_file_path"`
}

// GatingConfig holds the gating manager's tunables.
type GatingConfig struct {
	PostTTSGuardMs int `mapstructure:"post_tts_guard_ms"`
}

// BargeInConfig holds the coordinator's barge-in tunables. The
// energy-threshold estimator always runs; when VADEnabled is set, a Silero
// voice-activity detector corroborates it so a burst of line noise or
// comfort-noise generator output can't trip a barge-in on its own.
type BargeInConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	EnergyThreshold  float64 `mapstructure:"energy_threshold"`
	MinMs            int     `mapstructure:"min_ms"`
	VADEnabled       bool    `mapstructure:"vad_enabled"`
	VADModelPath     string  `mapstructure:"vad_model_path"`
	VADThreshold     float32 `mapstructure:"vad_threshold"`
	SampleDuringGuard bool   `mapstructure:"sample_during_guard"`
}

// TransportConfig selects and configures the default transport adapter.
type TransportConfig struct {
	Default         string `mapstructure:"default"` // "rtp" | "audiosocket"
	RTPPortMin      int    `mapstructure:"rtp_port_min"`
	RTPPortMax      int    `mapstructure:"rtp_port_max"`
	RTPBindIP       string `mapstructure:"rtp_bind_ip"`
	AudioSocketBind string `mapstructure:"audiosocket_bind"`
}

// RedisConfig points the RTP port allocator (and any other distributed
// coordination) at a single-node or cluster Redis deployment.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Cluster  bool     `mapstructure:"cluster"`
}

// LogConfig shapes the process logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	FilePath string `mapstructure:"file_path"`
}

// ProviderConfig is an opaque-to-the-core block handed to the named
// adapter's factory.
type ProviderConfig map[string]interface{}

// PersistenceConfig configures the optional durable session-store tier:
// a Postgres audit/crash-recovery projection of CallSession
// lifecycle, not a substitute for the in-memory Store. An empty DSN leaves
// it disabled.
type PersistenceConfig struct {
	PostgresDSN    string `mapstructure:"postgres_dsn"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	LogSlowQueries bool   `mapstructure:"log_slow_queries"`
}

// PBXConfig selects and configures the PBX client used to place/receive
// calls. Exactly one of the ARI or SIP blocks is normally
// active per deployment, selected by Kind.
type PBXConfig struct {
	Kind string `mapstructure:"kind"` // "ari" | "sip"

	ARIBaseURL  string `mapstructure:"ari_base_url"`
	ARIUsername string `mapstructure:"ari_username"`
	ARIPassword string `mapstructure:"ari_password"`
	ARIAppName  string `mapstructure:"ari_app_name"`

	SIPListenAddr string `mapstructure:"sip_listen_addr"`
	SIPTransport  string `mapstructure:"sip_transport"`
	SIPUserAgent  string `mapstructure:"sip_user_agent"`
}

// AppConfig is the process-wide static configuration, loaded once at
// startup.
type AppConfig struct {
	Audio           AudioConfig               `mapstructure:"audio"`
	Streaming       StreamingConfig           `mapstructure:"streaming"`
	Gating          GatingConfig              `mapstructure:"gating"`
	BargeIn         BargeInConfig             `mapstructure:"barge_in"`
	Transport       TransportConfig           `mapstructure:"transport"`
	Redis           RedisConfig               `mapstructure:"redis"`
	Log             LogConfig                 `mapstructure:"log"`
	PBX             PBXConfig                 `mapstructure:"pbx"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	Persistence     PersistenceConfig         `mapstructure:"persistence"`
	// ProviderDefault is the fallback provider name used when neither an
	// explicit AI_PROVIDER channel variable nor a ProviderByContext entry
	// resolves one (precedence: explicit channel variable, then context
	// mapping, then default).
	ProviderDefault string `mapstructure:"provider_default"`
	// ProviderByContext maps a PBX dialplan context (ARI) or called
	// DID/extension (SIP ingress) to a provider name — the "context
	// mapping" precedence tier between the explicit variable and the
	// default.
	ProviderByContext        map[string]string `mapstructure:"provider_by_context"`
	ProviderHandshakeTimeout time.Duration    `mapstructure:"provider_handshake_timeout"`
	SilentInboundTimeout     time.Duration    `mapstructure:"silent_inbound_timeout"`
	ProviderMinCommitMs      int              `mapstructure:"provider_min_commit_ms"`
	// GreetingFilePath names a raw PCM16 clip (egress rate) played to the
	// caller as soon as the provider handshake completes; empty skips the
	// greeting and the call goes straight to listening.
	GreetingFilePath string `mapstructure:"greeting_file_path"`
}

// ResolveProviderName applies the provider-selection precedence, explicit
// channel variable, then dialplan-context mapping, then process default,
// given the per-call values an InboundCall carries.
func (c *AppConfig) ResolveProviderName(explicitVar, dialplanContext string) string {
	if explicitVar != "" {
		return explicitVar
	}
	if dialplanContext != "" {
		if name, ok := c.ProviderByContext[dialplanContext]; ok && name != "" {
			return name
		}
	}
	return c.ProviderDefault
}

// Load reads configuration from the given file path (if non-empty),
// overlays environment variables prefixed VOICECORE_, and applies
// documented defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("VOICECORE")
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.ProviderMinCommitMs < 100 {
		// 100ms is the floor below which providers report empty commits.
		cfg.ProviderMinCommitMs = 100
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("streaming.min_start_ms", 300)
	v.SetDefault("streaming.low_watermark_ms", 200)
	v.SetDefault("streaming.fallback_timeout_ms", 4000)
	v.SetDefault("streaming.jitter_buffer_ms", 1000)
	v.SetDefault("gating.post_tts_guard_ms", 300)
	v.SetDefault("barge_in.enabled", true)
	v.SetDefault("barge_in.energy_threshold", 0.08)
	v.SetDefault("barge_in.min_ms", 200)
	v.SetDefault("barge_in.vad_enabled", false)
	v.SetDefault("barge_in.vad_threshold", float32(0.5))
	v.SetDefault("barge_in.sample_during_guard", true)
	v.SetDefault("transport.default", "rtp")
	v.SetDefault("transport.rtp_port_min", 18000)
	v.SetDefault("transport.rtp_port_max", 19000)
	v.SetDefault("transport.rtp_bind_ip", "0.0.0.0")
	v.SetDefault("transport.audiosocket_bind", "0.0.0.0:8090")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("pbx.kind", "ari")
	v.SetDefault("pbx.sip_listen_addr", "0.0.0.0:5060")
	v.SetDefault("pbx.sip_transport", "udp")
	v.SetDefault("pbx.sip_user_agent", "voicecore/1.0")
	v.SetDefault("provider_handshake_timeout", 10*time.Second)
	v.SetDefault("silent_inbound_timeout", 60*time.Second)
	v.SetDefault("provider_min_commit_ms", 100)
}

// ProfileByName resolves a named profile, or ok=false if absent;
// resolution failure is fatal for that call.
func (c *AppConfig) ProfileByName(name string) (AudioProfile, bool) {
	for _, p := range c.Audio.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return AudioProfile{}, false
}

// CallOption customizes per-call behavior layered on top of AppConfig; it
// never mutates AppConfig itself.
type CallOption func(*CallOverrides)

// CallOverrides holds the per-call values an Option can set.
type CallOverrides struct {
	ProfileName  string
	TransportKind string
	ProviderName string
	Context      map[string]string
}

// WithProfile overrides the resolved audio profile for one call.
func WithProfile(name string) CallOption {
	return func(o *CallOverrides) { o.ProfileName = name }
}

// WithTransportKind overrides the transport for one call.
func WithTransportKind(kind string) CallOption {
	return func(o *CallOverrides) { o.TransportKind = kind }
}

// WithProvider overrides the provider name for one call (highest
// precedence tier).
func WithProvider(name string) CallOption {
	return func(o *CallOverrides) { o.ProviderName = name }
}

// WithContext attaches dialplan-supplied context variables (AI_CONTEXT).
func WithContext(ctx map[string]string) CallOption {
	return func(o *CallOverrides) { o.Context = ctx }
}

// NewCallOverrides applies opts over zero-valued defaults.
func NewCallOverrides(opts ...CallOption) CallOverrides {
	var o CallOverrides
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
