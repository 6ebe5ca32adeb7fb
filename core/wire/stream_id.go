// stream_id.go - stream identifiers and negotiated parameters.
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

// NodeID identifies a node; the master is always node 0.
type NodeID = uint8

// StreamId uniquely identifies a stream in the network.  A server is
// identified by src == dst and srcPort == 0.
type StreamId struct {
	Src     NodeID
	Dst     NodeID
	SrcPort uint8 // 4 bits
	DstPort uint8 // 4 bits
}

// StreamIdSize is the wire size of a StreamId.
const StreamIdSize = 3

// ServerId returns the identifier of the server endpoint of this stream.
func (id StreamId) ServerId() StreamId {
	return StreamId{Src: id.Dst, Dst: id.Dst, SrcPort: 0, DstPort: id.DstPort}
}

// IsServer returns whether the identifier denotes a server endpoint.
func (id StreamId) IsServer() bool {
	return id.Src == id.Dst && id.SrcPort == 0
}

// Key packs the identifier into an integer usable as an ordering key.
func (id StreamId) Key() uint32 {
	return uint32(id.Src) | uint32(id.Dst)<<8 |
		uint32(id.SrcPort&0xf)<<16 | uint32(id.DstPort&0xf)<<20
}

// Bytes returns the 3-byte wire representation.
func (id StreamId) Bytes() [StreamIdSize]byte {
	return [StreamIdSize]byte{id.Src, id.Dst, id.SrcPort&0xf | id.DstPort<<4}
}

// StreamIdFromBytes decodes the 3-byte wire representation.
func StreamIdFromBytes(b []byte) StreamId {
	return StreamId{
		Src:     b[0],
		Dst:     b[1],
		SrcPort: b[2] & 0xf,
		DstPort: b[2] >> 4,
	}
}

// Period is the transmission period of a stream, expressed in tiles.
type Period uint8

// The supported periods.  Three wire bits are available.
const (
	Period1 Period = iota
	Period2
	Period5
	Period10
	Period20
	Period50
	Period100
)

// Tiles returns the period length in tiles.
func (p Period) Tiles() int {
	switch p {
	case Period1:
		return 1
	case Period2:
		return 2
	case Period5:
		return 5
	case Period10:
		return 10
	case Period20:
		return 20
	case Period50:
		return 50
	case Period100:
		return 100
	default:
		return 1
	}
}

// Valid returns whether the period is one of the supported values.
func (p Period) Valid() bool { return p <= Period100 }

// Redundancy selects how many times each payload is transmitted, and
// whether the copies travel on a disjoint path.
type Redundancy uint8

const (
	RedundancyNone Redundancy = iota
	RedundancyDouble
	RedundancyTriple
	RedundancyDoubleSpatial
	RedundancyTripleSpatial
)

// Count returns the number of transmissions per period.
func (r Redundancy) Count() int {
	switch r {
	case RedundancyDouble, RedundancyDoubleSpatial:
		return 2
	case RedundancyTriple, RedundancyTripleSpatial:
		return 3
	default:
		return 1
	}
}

// Spatial returns whether the redundant copies use a second path.
func (r Redundancy) Spatial() bool {
	return r == RedundancyDoubleSpatial || r == RedundancyTripleSpatial
}

// Valid returns whether the redundancy is one of the supported values.
func (r Redundancy) Valid() bool { return r <= RedundancyTripleSpatial }

// Direction tells which endpoint of a stream transmits.
type Direction uint8

const (
	DirectionTx Direction = iota
	DirectionRx
)

// StreamParameters carries the negotiated properties of a stream.
// Wire layout, LSB first within a 16-bit little endian word:
// redundancy:3 | period:3 | payload:7 | direction:1 | reserved:2.
type StreamParameters struct {
	Redundancy  Redundancy
	Period      Period
	PayloadSize uint8 // 7 bits
	Direction   Direction
	Reserved    uint8 // 2 bits
}

// StreamParametersSize is the wire size of StreamParameters.
const StreamParametersSize = 2

// Bytes returns the 2-byte wire representation.
func (p StreamParameters) Bytes() [StreamParametersSize]byte {
	v := uint16(p.Redundancy&0x7) |
		uint16(p.Period&0x7)<<3 |
		uint16(p.PayloadSize&0x7f)<<6 |
		uint16(p.Direction&0x1)<<13 |
		uint16(p.Reserved&0x3)<<14
	return [StreamParametersSize]byte{byte(v), byte(v >> 8)}
}

// StreamParametersFromBytes decodes the 2-byte wire representation.
func StreamParametersFromBytes(b []byte) StreamParameters {
	v := uint16(b[0]) | uint16(b[1])<<8
	return StreamParameters{
		Redundancy:  Redundancy(v & 0x7),
		Period:      Period(v >> 3 & 0x7),
		PayloadSize: uint8(v >> 6 & 0x7f),
		Direction:   Direction(v >> 13 & 0x1),
		Reserved:    uint8(v >> 14 & 0x3),
	}
}
