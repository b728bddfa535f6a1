// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConnector hands out the shared redis client used by the RTP port
// allocator and any distributed coordination that needs it.
type RedisConnector interface {
	Client() redis.UniversalClient
	Close() error
}

type redisConnector struct {
	client redis.UniversalClient
}

// RedisConfig describes either a single-node or cluster deployment.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	Cluster  bool
}

// NewRedisConnector dials Redis (single-node or cluster, per cfg.Cluster)
// and verifies connectivity with a PING.
func NewRedisConnector(cfg RedisConfig) (RedisConnector, error) {
	var client redis.UniversalClient
	if cfg.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	} else {
		addr := "127.0.0.1:6379"
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connectors: ping redis: %w", err)
	}
	return &redisConnector{client: client}, nil
}

// NewRedisConnectorFromClient wraps an already-constructed client; tests
// use it to inject a double.
func NewRedisConnectorFromClient(client redis.UniversalClient) RedisConnector {
	return &redisConnector{client: client}
}

func (r *redisConnector) Client() redis.UniversalClient { return r.client }

func (r *redisConnector) Close() error { return r.client.Close() }
