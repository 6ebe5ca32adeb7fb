// slots_test.go - timeline arithmetic tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package slots

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdmh/tdmh/config"
)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxHops:              2,
		MaxNodes:             8,
		PanID:                0xcafe,
		ClockSyncPeriod:      10_000_000_000,
		TileDuration:         100_000_000,
		MaxAdmittedRcvWindow: 150_000,
		GuaranteedTopologies: 2,
		NumUplinkPackets:     1,
		MaxMissedTimesyncs:   3,
		ControlSuperframe:    config.DefaultControlSuperframe(),
	}
}

func TestTimelineDurations(t *testing.T) {
	require := require.New(t)

	tl, err := NewTimeline(testConfig())
	require.NoError(err)

	// Control slots are aligned to whole data slots and fit the tile.
	require.Zero(tl.UplinkSlotDuration % tl.DataSlotDuration)
	require.Zero(tl.DownlinkSlotDuration % tl.DataSlotDuration)
	require.Greater(tl.SlotsPerTile, 1)
	require.Greater(tl.DataSlotsInDownlinkTile, 0)
	require.Greater(tl.DataSlotsInUplinkTile, 0)

	// Both tile layouts cover the same span, padded by the slack.
	downlinkTile := tl.DownlinkSlotDuration + int64(tl.DataSlotsInDownlinkTile)*tl.DataSlotDuration
	uplinkTile := tl.UplinkSlotDuration + int64(tl.DataSlotsInUplinkTile)*tl.DataSlotDuration
	require.Equal(downlinkTile, uplinkTile)
	require.Equal(testConfig().TileDuration, downlinkTile+tl.TileSlack)
}

func TestTimelineTileArithmetic(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	tl, err := NewTimeline(cfg)
	require.NoError(err)

	require.Equal(uint32(0), tl.CurrentTile(0))
	require.Equal(uint32(1), tl.CurrentTile(cfg.TileDuration))
	require.Equal(uint32(0), tl.CurrentTile(-5))

	// 100 tiles per 10 s clock sync period.
	require.Equal(uint32(100), tl.TilesPerClockSync())
	require.True(tl.IsTimesyncTile(0))
	require.False(tl.IsTimesyncTile(1))
	require.True(tl.IsTimesyncTile(100))

	// Timesyncs strictly before a tile.
	require.Equal(uint32(0), tl.NumTimesyncs(0))
	require.Equal(uint32(1), tl.NumTimesyncs(1))
	require.Equal(uint32(1), tl.NumTimesyncs(100))
	require.Equal(uint32(2), tl.NumTimesyncs(101))
}

func TestTimelineRejectsOversizedControlSlots(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	// A tiny tile cannot host the control slots.
	cfg.TileDuration = 10_000_000
	_, err := NewTimeline(cfg)
	require.Error(err)
}

func TestRebroadcastInterval(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	interval := RebroadcastInterval(cfg)
	require.Greater(interval, int64(0))

	// Growing the receive window grows the interval.
	cfg.MaxAdmittedRcvWindow *= 4
	require.Greater(RebroadcastInterval(cfg), interval)
}
