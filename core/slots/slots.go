// slots.go - division of wall time into tiles and slots.
// Copyright (C) 2024  The tdmh authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package slots computes the slot and tile durations from the network
// configuration and provides the tile arithmetic shared by the phases.
package slots

import (
	"fmt"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/radio"
)

const (
	// PacketArrivalAndProcessingTime is the time from the start of a
	// packet transmission to the moment the receiver has finished
	// processing it.
	PacketArrivalAndProcessingTime = 5_000_000

	// TransmissionInterval is the pause between consecutive packets of
	// the same multi-packet message.
	TransmissionInterval = 1_000_000

	// RebroadcastComputationTime is the per-hop processing time of a
	// flooded packet before it can be retransmitted.
	RebroadcastComputationTime = 244_000
)

// RebroadcastInterval is the fixed delay between the reception of a
// flooded packet and its retransmission at the next hop.
func RebroadcastInterval(cfg *config.NetworkConfiguration) int64 {
	a := int64(radio.SendingNodeWakeupAdvance)
	b := int64(radio.ReceivingNodeWakeupAdvance) + cfg.MaxAdmittedRcvWindow
	m := a
	if b > m {
		m = b
	}
	return radio.MaxPacketAirTime + RebroadcastComputationTime + m
}

// Timeline holds the derived slot durations and the tile arithmetic.
// All durations are nanoseconds of network time.
type Timeline struct {
	cfg *config.NetworkConfiguration

	DataSlotDuration     int64
	DownlinkSlotDuration int64
	UplinkSlotDuration   int64
	TileSlack            int64

	SlotsPerTile            int
	DataSlotsInDownlinkTile int
	DataSlotsInUplinkTile   int
}

// align rounds v up to the next multiple of unit.
func align(v, unit int64) int64 {
	return (v + unit - 1) / unit * unit
}

// NewTimeline derives the slot durations from the configuration,
// checking that the control slots fit their tiles.
func NewTimeline(cfg *config.NetworkConfiguration) (*Timeline, error) {
	t := &Timeline{cfg: cfg}

	t.DataSlotDuration = radio.ReceivingNodeWakeupAdvance +
		2*cfg.MaxAdmittedRcvWindow +
		radio.MaxPacketAirTime + radio.MaxPropagationDelay

	uplink := int64(radio.ReceivingNodeWakeupAdvance) + 2*cfg.MaxAdmittedRcvWindow +
		int64(cfg.NumUplinkPackets)*(PacketArrivalAndProcessingTime+TransmissionInterval)
	t.UplinkSlotDuration = align(uplink, t.DataSlotDuration)

	flood := int64(radio.ReceivingNodeWakeupAdvance) + 2*cfg.MaxAdmittedRcvWindow +
		int64(cfg.MaxHops)*RebroadcastInterval(cfg)
	t.DownlinkSlotDuration = align(flood, t.DataSlotDuration)

	tile := cfg.TileDuration
	t.SlotsPerTile = int(tile / t.DataSlotDuration)
	if tile-t.DownlinkSlotDuration < t.DataSlotDuration {
		return nil, fmt.Errorf("slots: downlink slot (%d) too large for tile (%d)",
			t.DownlinkSlotDuration, tile)
	}
	if tile-t.UplinkSlotDuration < t.DataSlotDuration {
		return nil, fmt.Errorf("slots: uplink slot (%d) too large for tile (%d)",
			t.UplinkSlotDuration, tile)
	}
	t.DataSlotsInDownlinkTile = int((tile - t.DownlinkSlotDuration) / t.DataSlotDuration)
	t.DataSlotsInUplinkTile = int((tile - t.UplinkSlotDuration) / t.DataSlotDuration)

	downlinkTile := t.DownlinkSlotDuration + int64(t.DataSlotsInDownlinkTile)*t.DataSlotDuration
	uplinkTile := t.UplinkSlotDuration + int64(t.DataSlotsInUplinkTile)*t.DataSlotDuration
	if downlinkTile != uplinkTile {
		return nil, fmt.Errorf("slots: tile layout inconsistency (%d != %d)", downlinkTile, uplinkTile)
	}
	t.TileSlack = tile - uplinkTile
	return t, nil
}

// DownlinkControlSlots returns the number of data-slot sized quanta
// occupied by the downlink control slot.
func (t *Timeline) DownlinkControlSlots() int {
	return t.SlotsPerTile - t.DataSlotsInDownlinkTile
}

// UplinkControlSlots returns the number of data-slot sized quanta
// occupied by the uplink control slot.
func (t *Timeline) UplinkControlSlots() int {
	return t.SlotsPerTile - t.DataSlotsInUplinkTile
}

// CurrentTile returns the tile number a network time instant falls in.
func (t *Timeline) CurrentTile(networkTime int64) uint32 {
	if networkTime < 0 {
		return 0
	}
	return uint32(networkTime / t.cfg.TileDuration)
}

// TilesPerClockSync returns the number of tiles in one clock sync
// period.
func (t *Timeline) TilesPerClockSync() uint32 {
	return uint32(t.cfg.ClockSyncPeriod / t.cfg.TileDuration)
}

// NumTimesyncs returns how many timesync downlinks happen strictly
// before the given tile.  Tile 0 of every clock sync period carries the
// timesync.
func (t *Timeline) NumTimesyncs(tile uint32) uint32 {
	period := t.TilesPerClockSync()
	return (tile + period - 1) / period
}

// IsTimesyncTile returns whether the given tile opens with the timesync
// downlink.
func (t *Timeline) IsTimesyncTile(tile uint32) bool {
	return tile%t.TilesPerClockSync() == 0
}
