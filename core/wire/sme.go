// sme.go - stream management elements.
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
	"sync/atomic"
)

// SMEType is the kind of stream lifecycle event an SME describes.
type SMEType uint8

const (
	// SMEConnect requests to open a new stream.
	SMEConnect SMEType = 0
	// SMEListen requests to open a new server.
	SMEListen SMEType = 1
	// SMEClosed requests to close the stream or server.
	SMEClosed SMEType = 2
	// SMEResendSchedule requests a retransmission of the schedule.
	SMEResendSchedule SMEType = 3
	// SMEChallenge carries a challenge for master authentication; the
	// challenge bytes travel in the destination, port and parameters
	// fields.
	SMEChallenge SMEType = 4
)

// String returns the element type name for logging.
func (t SMEType) String() string {
	switch t {
	case SMEConnect:
		return "CONNECT"
	case SMEListen:
		return "LISTEN"
	case SMEClosed:
		return "CLOSED"
	case SMEResendSchedule:
		return "RESEND_SCHEDULE"
	case SMEChallenge:
		return "CHALLENGE"
	default:
		return "UNKNOWN"
	}
}

// class partitions SME types so that elements that must not override each
// other in the forwarding queues use distinct keys.
func (t SMEType) class() uint8 {
	switch t {
	case SMEConnect, SMEListen, SMEClosed:
		return 0 // stream/server control
	case SMEResendSchedule:
		return 1 // schedule control
	case SMEChallenge:
		return 2 // key management
	default:
		return 255
	}
}

// SMEKey keys SMEs in the forwarding queues: a newer element of the same
// class for the same stream replaces the queued one in place.
type SMEKey struct {
	Id    StreamId
	Class uint8
}

// smeSeqCounter numbers outgoing SMEs so that the master can tell a
// retransmission from a new request.
var smeSeqCounter uint32

// StreamManagementElement is a small message describing a stream
// lifecycle event, forwarded uplink toward the master.
type StreamManagementElement struct {
	Id         StreamId
	Parameters StreamParameters
	Type       SMEType
	SeqNo      uint16
}

// SMESize is the wire size of an SME.
const SMESize = StreamIdSize + StreamParametersSize + 1 + 2

// NewSME creates an element with a fresh sequence number.
func NewSME(id StreamId, params StreamParameters, t SMEType) StreamManagementElement {
	return StreamManagementElement{
		Id:         id,
		Parameters: params,
		Type:       t,
		SeqNo:      uint16(atomic.AddUint32(&smeSeqCounter, 1)),
	}
}

// NewResendSME creates the schedule retransmission request of a node.
func NewResendSME(node NodeID) StreamManagementElement {
	return NewSME(StreamId{Src: node, Dst: node}, StreamParameters{}, SMEResendSchedule)
}

// NewChallengeSME packs 4 random challenge bytes into the destination,
// port and parameter fields of an SME originated by node.  The source
// field stays the node id so the master knows whom to answer.
func NewChallengeSME(node NodeID, chal [4]byte) StreamManagementElement {
	sme := NewSME(StreamId{Src: node}, StreamParameters{}, SMEChallenge)
	sme.Id.Dst = chal[0]
	sme.Id.SrcPort = chal[1] & 0xf
	sme.Id.DstPort = chal[1] >> 4
	sme.Parameters = StreamParametersFromBytes(chal[2:4])
	return sme
}

// ChallengeBytes recovers the 4 challenge bytes of a challenge SME.
func (s StreamManagementElement) ChallengeBytes() [4]byte {
	params := s.Parameters.Bytes()
	return [4]byte{
		s.Id.Dst,
		s.Id.SrcPort&0xf | s.Id.DstPort<<4,
		params[0],
		params[1],
	}
}

// Key returns the forwarding queue key of the element.
func (s StreamManagementElement) Key() SMEKey {
	return SMEKey{Id: s.Id, Class: s.Type.class()}
}

// Serialize appends the element to pkt.
func (s StreamManagementElement) Serialize(pkt *Packet) error {
	var buf [SMESize]byte
	id := s.Id.Bytes()
	copy(buf[0:], id[:])
	params := s.Parameters.Bytes()
	copy(buf[StreamIdSize:], params[:])
	buf[StreamIdSize+StreamParametersSize] = byte(s.Type)
	binary.LittleEndian.PutUint16(buf[StreamIdSize+StreamParametersSize+1:], s.SeqNo)
	return pkt.Put(buf[:])
}

// DeserializeSME consumes one element from pkt.
func DeserializeSME(pkt *Packet) (StreamManagementElement, error) {
	var buf [SMESize]byte
	if err := pkt.Get(buf[:]); err != nil {
		return StreamManagementElement{}, err
	}
	return StreamManagementElement{
		Id:         StreamIdFromBytes(buf[0:]),
		Parameters: StreamParametersFromBytes(buf[StreamIdSize:]),
		Type:       SMEType(buf[StreamIdSize+StreamParametersSize]),
		SeqNo:      binary.LittleEndian.Uint16(buf[StreamIdSize+StreamParametersSize+1:]),
	}, nil
}

// ValidateSMEInPacket performs the strict bit-level checks on the element
// serialized at offset in pkt, without consuming it.
func ValidateSMEInPacket(pkt *Packet, offset int, maxNodes uint16) bool {
	if pkt.Size()-offset < SMESize {
		return false
	}
	id := StreamIdFromBytes([]byte{pkt.At(offset), pkt.At(offset + 1), pkt.At(offset + 2)})
	params := StreamParametersFromBytes([]byte{pkt.At(offset + 3), pkt.At(offset + 4)})
	t := SMEType(pkt.At(offset + 5))

	if uint16(id.Src) >= maxNodes {
		return false
	}
	// A challenge hides random bytes in the dst and port fields, so the
	// dst range check only applies to the other types.
	if t != SMEChallenge && uint16(id.Dst) >= maxNodes {
		return false
	}
	switch t {
	case SMEListen:
		if !id.IsServer() {
			return false
		}
		if !params.Period.Valid() || !params.Redundancy.Valid() {
			return false
		}
	case SMEConnect:
		if !params.Period.Valid() || !params.Redundancy.Valid() {
			return false
		}
	case SMEClosed:
	case SMEResendSchedule:
		// The master never asks for a resend, and a resend request
		// carries no stream.
		if id.Src == 0 || id.Src != id.Dst {
			return false
		}
		if id.SrcPort != 0 || id.DstPort != 0 {
			return false
		}
	case SMEChallenge:
		if id.Src == 0 {
			return false
		}
	default:
		return false
	}
	return true
}
