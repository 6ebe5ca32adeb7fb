// uplink.go - uplink message header and packet capacity rules.
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

package wire

import (
	"fmt"

	"github.com/tdmh/tdmh/config"
)

// UplinkHeaderSize is the wire size of the first-packet uplink header.
const UplinkHeaderSize = 4

// UplinkHeader opens the first packet of an uplink message.  The high bit
// of the hop byte carries the bad assignee flag.
type UplinkHeader struct {
	HopAndBadFlag uint8
	Assignee      NodeID
	NumTopology   uint8
	NumSME        uint8
}

// NewUplinkHeader packs hop and the bad assignee flag.
func NewUplinkHeader(hop uint8, badAssignee bool, assignee NodeID, numTopology, numSME uint8) UplinkHeader {
	h := UplinkHeader{
		HopAndBadFlag: hop & 0x7f,
		Assignee:      assignee,
		NumTopology:   numTopology,
		NumSME:        numSME,
	}
	if badAssignee {
		h.HopAndBadFlag |= 0x80
	}
	return h
}

// Hop returns the sender's hop.
func (h UplinkHeader) Hop() uint8 { return h.HopAndBadFlag & 0x7f }

// BadAssignee returns whether the sender declares itself a bad assignee.
func (h UplinkHeader) BadAssignee() bool { return h.HopAndBadFlag&0x80 != 0 }

// Serialize appends the header to pkt.
func (h UplinkHeader) Serialize(pkt *Packet) error {
	return pkt.Put([]byte{h.HopAndBadFlag, h.Assignee, h.NumTopology, h.NumSME})
}

// DeserializeUplinkHeader consumes a header from pkt.
func DeserializeUplinkHeader(pkt *Packet) (UplinkHeader, error) {
	var buf [UplinkHeaderSize]byte
	if err := pkt.Get(buf[:]); err != nil {
		return UplinkHeader{}, err
	}
	return UplinkHeader{
		HopAndBadFlag: buf[0],
		Assignee:      buf[1],
		NumTopology:   buf[2],
		NumSME:        buf[3],
	}, nil
}

// FirstUplinkPacketCapacity returns the bytes available for forwarded
// topologies and SMEs in the first packet of an uplink message.
func FirstUplinkPacketCapacity(cfg *config.NetworkConfiguration) int {
	capacity := MaxPacketSize - PanHeaderSize - UplinkHeaderSize - cfg.NeighborBitmaskSize()
	if cfg.UseWeakTopologies {
		capacity -= cfg.NeighborBitmaskSize()
	}
	if cfg.AuthenticateControlMessages || cfg.EncryptControlMessages {
		capacity -= TagSize
	}
	return capacity
}

// OtherUplinkPacketCapacity returns the bytes available in the packets
// after the first, which carry no header.
func OtherUplinkPacketCapacity(cfg *config.NetworkConfiguration) int {
	capacity := MaxPacketSize - PanHeaderSize
	if cfg.AuthenticateControlMessages || cfg.EncryptControlMessages {
		capacity -= TagSize
	}
	return capacity
}

// ValidateUplinkCapacity cross checks that the configured number of
// guaranteed topologies fits one uplink message.  The check depends on
// the wire layout and completes config.Validate.
func ValidateUplinkCapacity(cfg *config.NetworkConfiguration) error {
	total := FirstUplinkPacketCapacity(cfg) +
		(int(cfg.NumUplinkPackets)-1)*OtherUplinkPacketCapacity(cfg)
	topologyBytes := int(cfg.GuaranteedTopologies) *
		TopologyElementSize(cfg.NeighborBitmaskSize(), cfg.UseWeakTopologies)
	if topologyBytes > total {
		return fmt.Errorf("wire: guaranteedTopologies size %d exceeds uplink message space %d",
			topologyBytes, total)
	}
	return nil
}
