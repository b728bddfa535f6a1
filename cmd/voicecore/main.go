// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command voicecore runs the voice-call mediation core: it loads
// configuration, stands up the process-wide services (session store,
// gating manager, playback manager, provider registry, transports, PBX
// client), and hands them to the call orchestrator.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/gating"
	"github.com/rapidaai/voicecore/internal/orchestrator"
	"github.com/rapidaai/voicecore/internal/pbx"
	"github.com/rapidaai/voicecore/internal/pbx/ari"
	"github.com/rapidaai/voicecore/internal/pbx/sipingress"
	"github.com/rapidaai/voicecore/internal/playback"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/provider/deepgramstt"
	"github.com/rapidaai/voicecore/internal/provider/openairt"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/internal/transport"
	"github.com/rapidaai/voicecore/pkg/commons"
	"github.com/rapidaai/voicecore/pkg/connectors"
)

func main() {
	cfgPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(err)
	}

	logger, err := commons.NewLogger(commons.Config{
		Level:    cfg.Log.Level,
		JSON:     cfg.Log.JSON,
		FilePath: cfg.Log.FilePath,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Errorw("voicecore exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger commons.Logger) error {
	profiles, err := audio.NewRegistry(toAudioProfiles(cfg.Audio.Profiles))
	if err != nil {
		return err
	}

	store := session.NewStore(logger)
	gate := gating.New(logger)

	var fallbackClip []int16
	if cfg.Streaming.FallbackFilePath != "" {
		if fallbackClip, err = audio.LoadPCM16File(cfg.Streaming.FallbackFilePath); err != nil {
			logger.Warnw("fallback clip unavailable, stalls will play silence", "err", err)
		}
	}
	playbackMgr := playback.New(logger, playback.Config{
		MinStartMs:        cfg.Streaming.MinStartMs,
		LowWatermarkMs:    cfg.Streaming.LowWatermarkMs,
		FallbackTimeoutMs: cfg.Streaming.FallbackTimeoutMs,
		FallbackClip:      fallbackClip,
	})

	var greetingClip []int16
	if cfg.GreetingFilePath != "" {
		if greetingClip, err = audio.LoadPCM16File(cfg.GreetingFilePath); err != nil {
			logger.Warnw("greeting clip unavailable, calls start without one", "err", err)
		}
	}

	providers := provider.NewRegistry()
	providers.Register("openai_realtime", provider.Capabilities{
		SupportsBargeInEvents: true,
		NativeInputRateHz:     24000,
		Continuous:            true,
	}, openairt.New)
	providers.Register("deepgram_stt", provider.Capabilities{
		NativeInputRateHz: 16000,
	}, deepgramstt.New)

	recorder := session.NewRecorder(nil, logger)
	if cfg.Persistence.PostgresDSN != "" {
		pg, err := connectors.NewPostgresConnector(connectors.PostgresConfig{
			DSN:            cfg.Persistence.PostgresDSN,
			MaxOpenConns:   cfg.Persistence.MaxOpenConns,
			MaxIdleConns:   cfg.Persistence.MaxIdleConns,
			LogSlowQueries: cfg.Persistence.LogSlowQueries,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		recorder = session.NewRecorder(pg, logger)
		if err := recorder.AutoMigrate(); err != nil {
			return err
		}
	}

	deps := orchestrator.Deps{
		Logger:       logger,
		Config:       cfg,
		Store:        store,
		Profiles:     profiles,
		Providers:    providers,
		Gate:         gate,
		Playback:     playbackMgr,
		Recorder:     recorder,
		GreetingClip: greetingClip,
		AudioSocket:  transport.NewAudioSocketTransport(8000, logger),
	}

	if cfg.Transport.Default == "rtp" {
		redisConn, err := connectors.NewRedisConnector(connectors.RedisConfig{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Cluster:  cfg.Redis.Cluster,
		})
		if err != nil {
			return err
		}
		defer redisConn.Close()

		allocator := transport.NewPortAllocator(redisConn.Client(), logger, cfg.Transport.RTPPortMin, cfg.Transport.RTPPortMax)
		if err := allocator.Init(ctx); err != nil {
			return err
		}
		deps.RTP = transport.NewRTPTransport(allocator, cfg.Transport.RTPBindIP, logger)
	}

	var pbxClient pbx.Client
	switch cfg.PBX.Kind {
	case "sip":
		pbxClient = sipingress.New(cfg.PBX, logger)
	default:
		pbxClient = ari.New(cfg.PBX, logger)
	}
	defer pbxClient.Close()
	deps.PBX = pbxClient

	orch := orchestrator.New(deps)

	if cfg.Transport.Default == "audiosocket" {
		logger.Infow("voicecore accepting AudioSocket media", "bind", cfg.Transport.AudioSocketBind)
		return orch.RunAudioSocket(ctx, cfg.Transport.AudioSocketBind, cfg.ProviderDefault)
	}

	logger.Infow("voicecore accepting calls", "pbx", cfg.PBX.Kind, "transport", cfg.Transport.Default)
	return orch.Run(ctx)
}

func toAudioProfiles(in []config.AudioProfile) []audio.Profile {
	out := make([]audio.Profile, 0, len(in))
	for _, p := range in {
		out = append(out, audio.Profile{
			Name:     p.Name,
			Ingress:  audio.Codec{Name: p.IngressCodec, RateHz: p.IngressRateHz},
			Provider: audio.Codec{Name: p.ProviderCodec, RateHz: p.ProviderRateHz},
			Egress:   audio.Codec{Name: p.EgressCodec, RateHz: p.EgressRateHz},
		})
	}
	return out
}
