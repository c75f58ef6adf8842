// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !stcpdebug
// +build !stcpdebug

package libstcp

func (e *Endpoint) checkInvariants() {}
