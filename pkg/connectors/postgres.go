// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package connectors wraps the shared infrastructure handles (Postgres,
// Redis) that components receive by constructor injection rather than
// dialing their own connections.
package connectors

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresConnector hands out the shared *gorm.DB. Components never open
// their own connection pool.
type PostgresConnector interface {
	DB() *gorm.DB
	Close() error
}

type postgresConnector struct {
	db *gorm.DB
}

// PostgresConfig is the DSN and pool shape for the shared connection.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	LogSlowQueries  bool
}

// NewPostgresConnector dials Postgres and returns a connector wrapping the
// resulting *gorm.DB.
func NewPostgresConnector(cfg PostgresConfig) (PostgresConnector, error) {
	gormCfg := &gorm.Config{}
	if !cfg.LogSlowQueries {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connectors: open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("connectors: underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return &postgresConnector{db: db}, nil
}

func (p *postgresConnector) DB() *gorm.DB { return p.db }

func (p *postgresConnector) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
