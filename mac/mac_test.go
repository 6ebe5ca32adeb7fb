// mac_test.go - MAC wiring tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package mac

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/log"
	"github.com/tdmh/tdmh/radio"
)

func testConfig(id uint8) *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:                         4,
		MaxNodes:                        8,
		NetworkID:                       id,
		PanID:                           0xcafe,
		TxPower:                         5,
		BaseFreq:                        2450,
		ClockSyncPeriod:                 10_000_000_000,
		TileDuration:                    100_000_000,
		MaxAdmittedRcvWindow:            150_000,
		GuaranteedTopologies:            2,
		NumUplinkPackets:                1,
		MaxMissedTimesyncs:              3,
		MaxRoundsUnavailableBecomesDead: 3,
		MinNeighborRSSI:                 -75,
		ControlSuperframe:               config.DefaultControlSuperframe(),
	}
}

type nullTransceiver struct{}

func (nullTransceiver) Configure(radio.TransceiverConfig) {}
func (nullTransceiver) SendAt([]byte, int64) error        { return nil }
func (nullTransceiver) Recv([]byte, int64) radio.RecvResult {
	return radio.RecvResult{Error: radio.Timeout}
}
func (nullTransceiver) Idle()    {}
func (nullTransceiver) TurnOn()  {}
func (nullTransceiver) TurnOff() {}

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func TestNewMasterWiring(t *testing.T) {
	require := require.New(t)

	c, err := New(testConfig(0), nullTransceiver{}, radio.NewSystemClock(), testBackend(t))
	require.NoError(err)
	defer c.Stop()

	// The master is always in sync and never desyncs.
	require.True(c.timesyncPhase.MacCanOperate())
	require.NotNil(c.masterKm)
	require.Nil(c.dynamicKm)
	require.NotNil(c.schedComp)
	require.NotNil(c.Streams())
	require.Greater(c.Timeline().SlotsPerTile, 0)
}

func TestNewDynamicWiring(t *testing.T) {
	require := require.New(t)

	c, err := New(testConfig(3), nullTransceiver{}, radio.NewSystemClock(), testBackend(t))
	require.NoError(err)
	defer c.Stop()

	require.Nil(c.masterKm)
	require.NotNil(c.dynamicKm)
	require.Nil(c.schedComp)
	// A dynamic node boots desynchronized.
	require.False(c.timesyncPhase.MacCanOperate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(0)
	cfg.MaxNodes = 12 // not a multiple of 8
	_, err := New(cfg, nullTransceiver{}, radio.NewSystemClock(), testBackend(t))
	require.Error(err)

	cfg = testConfig(0)
	cfg.GuaranteedTopologies = 200 // cannot fit an uplink message
	_, err = New(cfg, nullTransceiver{}, radio.NewSystemClock(), testBackend(t))
	require.Error(err)
}

func TestStatusRoundTrip(t *testing.T) {
	require := require.New(t)

	c, err := New(testConfig(0), nullTransceiver{}, radio.NewSystemClock(), testBackend(t))
	require.NoError(err)
	defer c.Stop()

	s := c.Status()
	require.True(s.Master)
	require.Equal(uint8(0), s.NodeID)

	blob, err := s.MarshalBinary()
	require.NoError(err)
	var decoded Status
	require.NoError(decoded.UnmarshalBinary(blob))
	require.Equal(s, decoded)
}
