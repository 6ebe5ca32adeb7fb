// schedule.go - schedule distribution wire elements.
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
	"encoding/binary"
	"fmt"
)

// DownlinkElementType discriminates the elements of a schedule packet.
type DownlinkElementType uint8

const (
	// DownlinkSchedule is a routed transmission of the schedule.
	DownlinkSchedule DownlinkElementType = 0
	// DownlinkInfo is a stream lifecycle notification.
	DownlinkInfo DownlinkElementType = 1
	// DownlinkResponse answers a master authentication challenge.
	DownlinkResponse DownlinkElementType = 2
)

// InfoType is the message of an info element.
type InfoType uint8

const (
	// InfoServerOpened signals that the master accepted a new server.
	InfoServerOpened InfoType = 0
	// InfoServerClosed signals that the master rejected or closed a server.
	InfoServerClosed InfoType = 1
	// InfoStreamReject signals that the master rejected a new stream.
	InfoStreamReject InfoType = 2
)

// ScheduleHeaderSize is the wire size of a schedule packet header.
const ScheduleHeaderSize = 15

// ScheduleHeader describes one packet of a multi-packet schedule flood.
type ScheduleHeader struct {
	TotalPackets   uint16
	CurrentPacket  uint16
	ScheduleID     uint32
	ActivationTile uint32
	ScheduleTiles  uint16
	Repetition     uint8
}

// IsSchedulePacket tells a schedule flood packet from an info-only one.
func (h ScheduleHeader) IsSchedulePacket() bool { return h.TotalPackets > 0 }

// Serialize appends the header to pkt.
func (h ScheduleHeader) Serialize(pkt *Packet) error {
	var buf [ScheduleHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.TotalPackets)
	binary.LittleEndian.PutUint16(buf[2:], h.CurrentPacket)
	binary.LittleEndian.PutUint32(buf[4:], h.ScheduleID)
	binary.LittleEndian.PutUint32(buf[8:], h.ActivationTile)
	binary.LittleEndian.PutUint16(buf[12:], h.ScheduleTiles)
	buf[14] = h.Repetition
	return pkt.Put(buf[:])
}

// DeserializeScheduleHeader consumes a header from pkt.
func DeserializeScheduleHeader(pkt *Packet) (ScheduleHeader, error) {
	var buf [ScheduleHeaderSize]byte
	if err := pkt.Get(buf[:]); err != nil {
		return ScheduleHeader{}, err
	}
	return ScheduleHeader{
		TotalPackets:   binary.LittleEndian.Uint16(buf[0:]),
		CurrentPacket:  binary.LittleEndian.Uint16(buf[2:]),
		ScheduleID:     binary.LittleEndian.Uint32(buf[4:]),
		ActivationTile: binary.LittleEndian.Uint32(buf[8:]),
		ScheduleTiles:  binary.LittleEndian.Uint16(buf[12:]),
		Repetition:     buf[14],
	}, nil
}

// DownlinkElementSize is the wire size of any downlink element.
const DownlinkElementSize = StreamIdSize + StreamParametersSize + 5

// DownlinkElement is one element of a schedule packet: a scheduled
// transmission, an info notification or a challenge response.  The
// element kind is carried in the upper nibble of the last byte.
type DownlinkElement struct {
	Type DownlinkElementType

	// Schedule and info element fields.
	Id     StreamId
	Params StreamParameters
	Tx     NodeID
	Rx     NodeID
	Offset uint32 // 20 bits; info elements store the InfoType here

	// Response element fields.
	NodeId   NodeID
	Response [8]byte
}

// NewScheduleElement creates a routed transmission element.  For a
// single-hop stream tx == src and rx == dst.
func NewScheduleElement(id StreamId, params StreamParameters, tx, rx NodeID, offset uint32) DownlinkElement {
	return DownlinkElement{
		Type:   DownlinkSchedule,
		Id:     id,
		Params: params,
		Tx:     tx,
		Rx:     rx,
		Offset: offset,
	}
}

// NewInfoElement creates a stream lifecycle notification.  Info elements
// are characterized by tx == rx == 0 and carry the message in the offset
// field.
func NewInfoElement(id StreamId, info InfoType) DownlinkElement {
	return DownlinkElement{
		Type:   DownlinkInfo,
		Id:     id,
		Offset: uint32(info),
	}
}

// NewResponseElement creates a challenge response for a node.
func NewResponseElement(node NodeID, response [8]byte) DownlinkElement {
	return DownlinkElement{
		Type:     DownlinkResponse,
		NodeId:   node,
		Response: response,
	}
}

// Info returns the message of an info element.
func (e DownlinkElement) Info() InfoType { return InfoType(e.Offset) }

// PeriodSlots returns the element period converted to slots.
func (e DownlinkElement) PeriodSlots(slotsPerTile int) int {
	return e.Params.Period.Tiles() * slotsPerTile
}

// Serialize appends the element to pkt.
func (e DownlinkElement) Serialize(pkt *Packet) error {
	var buf [DownlinkElementSize]byte
	switch e.Type {
	case DownlinkSchedule, DownlinkInfo:
		id := e.Id.Bytes()
		copy(buf[0:], id[:])
		params := e.Params.Bytes()
		copy(buf[StreamIdSize:], params[:])
		buf[5] = e.Tx
		buf[6] = e.Rx
		buf[7] = byte(e.Offset)
		buf[8] = byte(e.Offset >> 8)
		buf[9] = byte(e.Offset>>16)&0x0f | byte(e.Type)<<4
	case DownlinkResponse:
		buf[0] = e.NodeId
		copy(buf[1:9], e.Response[:])
		buf[9] = byte(e.Type) << 4
	default:
		return fmt.Errorf("wire: unknown downlink element type %d", e.Type)
	}
	return pkt.Put(buf[:])
}

// DeserializeDownlinkElement consumes one element from pkt.
func DeserializeDownlinkElement(pkt *Packet) (DownlinkElement, error) {
	var buf [DownlinkElementSize]byte
	if err := pkt.Get(buf[:]); err != nil {
		return DownlinkElement{}, err
	}
	e := DownlinkElement{Type: DownlinkElementType(buf[9] >> 4)}
	switch e.Type {
	case DownlinkSchedule, DownlinkInfo:
		e.Id = StreamIdFromBytes(buf[0:])
		e.Params = StreamParametersFromBytes(buf[StreamIdSize:])
		e.Tx = buf[5]
		e.Rx = buf[6]
		e.Offset = uint32(buf[7]) | uint32(buf[8])<<8 | uint32(buf[9]&0x0f)<<16
	case DownlinkResponse:
		e.NodeId = buf[0]
		copy(e.Response[:], buf[1:9])
	default:
		return DownlinkElement{}, fmt.Errorf("wire: unknown downlink element type %d", buf[9]>>4)
	}
	return e, nil
}

// SchedulePacketCapacity returns how many downlink elements fit in one
// schedule packet.
func SchedulePacketCapacity(authenticate bool) int {
	capacity := MaxPacketSize - PanHeaderSize - ScheduleHeaderSize
	if authenticate {
		capacity -= TagSize
	}
	return capacity / DownlinkElementSize
}

// SchedulePacket is the payload of one downlink distribution slot.
type SchedulePacket struct {
	Header   ScheduleHeader
	Elements []DownlinkElement
}

// Serialize writes the packet, including the pan header, into pkt.
func (s *SchedulePacket) Serialize(pkt *Packet, panID uint16) error {
	if err := pkt.PutPanHeader(panID); err != nil {
		return err
	}
	if err := s.Header.Serialize(pkt); err != nil {
		return err
	}
	for _, e := range s.Elements {
		if err := e.Serialize(pkt); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeSchedulePacket consumes a full schedule packet, pan header
// included, from pkt.
func DeserializeSchedulePacket(pkt *Packet) (*SchedulePacket, error) {
	if err := pkt.RemovePanHeader(); err != nil {
		return nil, err
	}
	header, err := DeserializeScheduleHeader(pkt)
	if err != nil {
		return nil, err
	}
	count := pkt.Size() / DownlinkElementSize
	s := &SchedulePacket{Header: header, Elements: make([]DownlinkElement, 0, count)}
	for i := 0; i < count; i++ {
		e, err := DeserializeDownlinkElement(pkt)
		if err != nil {
			return nil, err
		}
		s.Elements = append(s.Elements, e)
	}
	return s, nil
}
