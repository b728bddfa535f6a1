// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rapidaai/voicecore/pkg/commons"
	"github.com/rapidaai/voicecore/pkg/connectors"
)

// Row is the durable (Postgres) projection of a CallSession, for
// operational visibility and crash-recovery audit, not for reconstructing
// live in-memory sessions mid-process.
type Row struct {
	CallID          string `gorm:"primaryKey;column:call_id"`
	CallerChannelID string `gorm:"column:caller_channel_id"`
	MediaChannelID  string `gorm:"column:media_channel_id"`
	BridgeID        string `gorm:"column:bridge_id"`
	ProfileName     string `gorm:"column:profile_name"`
	TransportKind   string `gorm:"column:transport_kind"`
	ProviderName    string `gorm:"column:provider_name"`
	Status          string `gorm:"column:status"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName pins the row to a stable table name regardless of package path.
func (Row) TableName() string { return "call_sessions" }

// updatableColumns allowlists the columns UpdateField may touch; dynamic
// SQL is never built from a caller-supplied field name.
var updatableColumns = map[string]bool{
	"bridge_id":      true,
	"media_channel_id": true,
	"status":         true,
}

// Recorder persists CallSession lifecycle events to Postgres for audit and
// crash-recovery visibility.
type Recorder struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewRecorder wraps a PostgresConnector. Passing a nil connector is valid
// and yields a Recorder whose methods are no-ops; durability is optional.
func NewRecorder(pg connectors.PostgresConnector, logger commons.Logger) *Recorder {
	if pg == nil {
		return &Recorder{logger: logger}
	}
	return &Recorder{db: pg.DB(), logger: logger}
}

// AutoMigrate creates/updates the call_sessions table.
func (r *Recorder) AutoMigrate() error {
	if r.db == nil {
		return nil
	}
	return r.db.AutoMigrate(&Row{})
}

// Insert records a newly created call. It is a no-op when the durable
// tier is disabled; an insert failure is logged, not returned.
func (r *Recorder) Insert(sess *CallSession) {
	if r.db == nil {
		return
	}
	row := &Row{
		CallID:          sess.CallID,
		CallerChannelID: sess.CallerChannelID,
		MediaChannelID:  sess.MediaChannelID,
		BridgeID:        sess.BridgeID,
		ProfileName:     sess.Profile.Name,
		TransportKind:   string(sess.TransportKind),
		ProviderName:    sess.ProviderName,
		Status:          string(sess.State()),
	}
	if err := r.db.Create(row).Error; err != nil {
		r.logger.Warnw("durable session insert failed", "call_id", sess.CallID, "err", err)
	}
}

// UpdateField updates a single allowlisted column by call_id. Rejecting
// non-allowlisted field names here is the only defense against building
// dynamic SQL from a caller-controlled string.
func (r *Recorder) UpdateField(callID, field string, value interface{}) error {
	if r.db == nil {
		return nil
	}
	if !updatableColumns[field] {
		return fmt.Errorf("session: field %q is not updatable", field)
	}
	return r.db.Model(&Row{}).
		Where("call_id = ?", callID).
		Update(field, value).Error
}

// Claim atomically transitions status from one of fromStatuses to
// toStatus, returning claimed=false if no row matched (another instance
// already claimed it, or the call-id is unknown). A single conditional
// UPDATE, so two instances can never both win.
func (r *Recorder) Claim(callID string, fromStatuses []string, toStatus string) (claimed bool, err error) {
	if r.db == nil {
		return true, nil
	}
	tx := r.db.Model(&Row{}).
		Where("call_id = ? AND status IN ?", callID, fromStatuses).
		Update("status", toStatus)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Remove deletes the durable row on teardown.
func (r *Recorder) Remove(callID string) {
	if r.db == nil {
		return
	}
	if err := r.db.Where("call_id = ?", callID).Delete(&Row{}).Error; err != nil {
		r.logger.Warnw("durable session delete failed", "call_id", callID, "err", err)
	}
}
