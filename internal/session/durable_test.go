// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicecore/pkg/commons"
)

// A nil connector yields a disabled Recorder; every method must be a safe
// no-op rather than a nil-pointer panic, since the orchestrator calls
// Insert/Remove unconditionally whenever a Recorder is configured at all.
func newDisabledRecorder() *Recorder {
	return NewRecorder(nil, commons.NewNop())
}

func TestDisabledRecorderInsertIsNoop(t *testing.T) {
	r := newDisabledRecorder()
	sess := New("call-1")
	assert.NotPanics(t, func() { r.Insert(sess) })
}

func TestDisabledRecorderRemoveIsNoop(t *testing.T) {
	r := newDisabledRecorder()
	assert.NotPanics(t, func() { r.Remove("call-1") })
}

func TestDisabledRecorderAutoMigrateIsNoop(t *testing.T) {
	r := newDisabledRecorder()
	require.NoError(t, r.AutoMigrate())
}

func TestDisabledRecorderUpdateFieldIsNoop(t *testing.T) {
	r := newDisabledRecorder()
	require.NoError(t, r.UpdateField("call-1", "status", "closed"))
}

func TestDisabledRecorderClaimAlwaysSucceeds(t *testing.T) {
	r := newDisabledRecorder()
	claimed, err := r.Claim("call-1", []string{"tearing_down"}, "closed")
	require.NoError(t, err)
	assert.True(t, claimed, "a disabled durable tier never blocks a claim")
}

func TestRowTableName(t *testing.T) {
	assert.Equal(t, "call_sessions", Row{}.TableName())
}
