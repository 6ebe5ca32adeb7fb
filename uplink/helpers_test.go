// helpers_test.go - shared uplink test fixtures.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package uplink

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto"
	"github.com/tdmh/tdmh/core/slots"
)

func newTestOcb(key *[16]byte) *crypto.AesOcb {
	return crypto.NewAesOcb(key)
}

func testTimeline(t *testing.T, cfg *config.NetworkConfiguration) *slots.Timeline {
	tl, err := slots.NewTimeline(cfg)
	require.NoError(t, err)
	return tl
}

func testLogger() *logging.Logger {
	return logging.MustGetLogger("test")
}
