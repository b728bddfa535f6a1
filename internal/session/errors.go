// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import "errors"

var (
	// ErrAlreadyExists is returned by Store.Create when the call-id is
	// already present.
	ErrAlreadyExists = errors.New("session: call already exists")

	// ErrNotFound is returned by Store.Update/Remove for an unknown
	// call-id; Store.Get reports a miss with ok=false instead.
	ErrNotFound = errors.New("session: call not found")

	errInvariantGatingRequired = errors.New("session: state requires an active gating token")
)
