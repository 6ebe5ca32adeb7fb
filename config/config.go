// config.go - network configuration.
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

// Package config provides the static network configuration shared by
// every node of a network.  All nodes must be configured with identical
// values, the network will not function otherwise.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ControlSuperframeStructure describes which tiles of the repeating
// control superframe open with a downlink control slot and which with an
// uplink control slot.  Bit i of the mask set means tile i opens with a
// downlink.
type ControlSuperframeStructure struct {
	Bitmask uint32
	Tiles   int
}

// DefaultControlSuperframe is the minimal structure: one downlink tile
// followed by one uplink tile.
func DefaultControlSuperframe() ControlSuperframeStructure {
	return ControlSuperframeStructure{Bitmask: 0x1, Tiles: 2}
}

// Size returns the number of tiles in the superframe.
func (c ControlSuperframeStructure) Size() int { return c.Tiles }

// IsControlDownlink returns whether tile i opens with a downlink slot.
func (c ControlSuperframeStructure) IsControlDownlink(i int) bool {
	return c.Bitmask&(1<<uint(i)) != 0
}

// IsControlUplink returns whether tile i opens with an uplink slot.
func (c ControlSuperframeStructure) IsControlUplink(i int) bool {
	return !c.IsControlDownlink(i)
}

// CountDownlinkSlots returns the number of downlink tiles per superframe.
func (c ControlSuperframeStructure) CountDownlinkSlots() int {
	n := 0
	for i := 0; i < c.Tiles; i++ {
		if c.IsControlDownlink(i) {
			n++
		}
	}
	return n
}

// CountUplinkSlots returns the number of uplink tiles per superframe.
func (c ControlSuperframeStructure) CountUplinkSlots() int {
	return c.Tiles - c.CountDownlinkSlots()
}

// Validate checks the structural constraints of the superframe.
func (c ControlSuperframeStructure) Validate() error {
	if c.Tiles < 2 || c.Tiles > 32 {
		return fmt.Errorf("config: control superframe size %d out of range", c.Tiles)
	}
	if !c.IsControlDownlink(0) {
		return fmt.Errorf("config: first control superframe tile must be a downlink")
	}
	if c.CountUplinkSlots() == 0 {
		return fmt.Errorf("config: control superframe needs at least one uplink")
	}
	// Reject non-minimal representations, e.g. 0b0101 over 4 tiles is
	// 0b01 over 2 tiles repeated.
	for p := 1; p < c.Tiles; p++ {
		if c.Tiles%p != 0 {
			continue
		}
		mask := uint32(1)<<uint(p) - 1
		repeated := true
		for k := p; k < c.Tiles && repeated; k += p {
			repeated = (c.Bitmask>>uint(k))&mask == c.Bitmask&mask
		}
		if repeated {
			return fmt.Errorf("config: control superframe representation must be minimal")
		}
	}
	return nil
}

// NetworkConfiguration is the set of compile-time constants of the
// original design, validated at startup.  Durations are in nanoseconds.
type NetworkConfiguration struct {
	MaxHops    uint8  `toml:"max_hops"`
	MaxNodes   uint16 `toml:"max_nodes"`
	NetworkID  uint8  `toml:"network_id"`
	StaticHop  uint8  `toml:"static_hop"`
	PanID      uint16 `toml:"pan_id"`
	TxPower    int16  `toml:"tx_power"`
	BaseFreq   uint32 `toml:"base_frequency"`

	ClockSyncPeriod      int64 `toml:"clock_sync_period"`
	TileDuration         int64 `toml:"tile_duration"`
	MaxAdmittedRcvWindow int64 `toml:"max_admitted_rcv_window"`

	GuaranteedTopologies uint8 `toml:"guaranteed_topologies"`
	NumUplinkPackets     uint8 `toml:"num_uplink_packets"`
	MaxMissedTimesyncs   uint8 `toml:"max_missed_timesyncs"`

	MaxRoundsUnavailableBecomesDead uint16 `toml:"max_rounds_unavailable_becomes_dead"`
	MaxRoundsWeakLinkBecomesDead    uint16 `toml:"max_rounds_weak_link_becomes_dead"`
	MinNeighborRSSI                 int16  `toml:"min_neighbor_rssi"`
	MinWeakNeighborRSSI             int16  `toml:"min_weak_neighbor_rssi"`

	ChannelSpatialReuse bool `toml:"channel_spatial_reuse"`
	UseWeakTopologies   bool `toml:"use_weak_topologies"`

	AuthenticateControlMessages     bool   `toml:"authenticate_control_messages"`
	EncryptControlMessages          bool   `toml:"encrypt_control_messages"`
	AuthenticateDataMessages        bool   `toml:"authenticate_data_messages"`
	EncryptDataMessages             bool   `toml:"encrypt_data_messages"`
	DoMasterChallengeAuthentication bool   `toml:"do_master_challenge_authentication"`
	ChallengeTimeout                uint32 `toml:"challenge_timeout"`
	ChallengeResendTimeout          uint32 `toml:"challenge_resend_timeout"`
	RekeyingPeriod                  uint32 `toml:"rekeying_period"`

	// CallbacksExecutionTime is the time budget granted to application
	// stream callbacks, zero when callbacks are unused.
	CallbacksExecutionTime int64 `toml:"callbacks_execution_time"`

	ControlSuperframe ControlSuperframeStructure `toml:"control_superframe"`
}

// LoadFile reads a configuration from a TOML file and validates it.
func LoadFile(path string) (*NetworkConfiguration, error) {
	cfg := &NetworkConfiguration{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate cross checks the configuration.  The uplink packet capacity
// constraint, which depends on the wire layout, is checked separately by
// the wire package.
func (c *NetworkConfiguration) Validate() error {
	if err := c.ControlSuperframe.Validate(); err != nil {
		return err
	}
	if c.MaxNodes == 0 || c.MaxNodes%8 != 0 {
		return fmt.Errorf("config: maxNodes must be a non-zero multiple of 8")
	}
	if int(c.NetworkID) >= int(c.MaxNodes) {
		return fmt.Errorf("config: networkId %d out of range", c.NetworkID)
	}
	if c.MaxHops == 0 {
		return fmt.Errorf("config: maxHops must be positive")
	}
	if c.NumUplinkPackets == 0 {
		return fmt.Errorf("config: numUplinkPackets must be positive")
	}
	if c.TileDuration <= 0 || c.ClockSyncPeriod <= 0 {
		return fmt.Errorf("config: durations must be positive")
	}
	if c.ClockSyncPeriod%c.ControlSuperframeDuration() != 0 {
		return fmt.Errorf("config: control superframe (%d) does not divide clock sync period (%d)",
			c.ControlSuperframeDuration(), c.ClockSyncPeriod)
	}
	if c.MaxMissedTimesyncs == 0 {
		return fmt.Errorf("config: maxMissedTimesyncs must be positive")
	}
	return nil
}

// ControlSuperframeDuration returns the duration of one control
// superframe.
func (c *NetworkConfiguration) ControlSuperframeDuration() int64 {
	return c.TileDuration * int64(c.ControlSuperframe.Size())
}

// NumSuperframesPerClockSync returns the number of control superframes
// in one clock synchronization period.
func (c *NetworkConfiguration) NumSuperframesPerClockSync() int {
	return int(c.ClockSyncPeriod / c.ControlSuperframeDuration())
}

// NeighborBitmaskSize returns the wire size in bytes of one neighbor
// bitmap.
func (c *NetworkConfiguration) NeighborBitmaskSize() int {
	return int(c.MaxNodes+7) / 8
}

// IsMaster returns whether this node coordinates the network.
func (c *NetworkConfiguration) IsMaster() bool { return c.NetworkID == 0 }
