// message.go - multi-packet uplink message serialization.
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

package uplink

import (
	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

// TopologyQueue is the forwarding queue of topology elements, keyed by
// originating node.
type TopologyQueue = queue.Updatable[wire.NodeID, *wire.TopologyElement]

// SMEQueue is the forwarding queue of stream management elements.
type SMEQueue = queue.Updatable[wire.SMEKey, wire.StreamManagementElement]

// SendMessage builds the uplink message of the selected node: a first
// packet carrying the header and the sender's own topology, followed by
// packets filled with forwarded topologies and SMEs.
type SendMessage struct {
	cfg          *config.NetworkConfiguration
	topologySize int
	smeSize      int

	header wire.UplinkHeader
	packet wire.Packet

	totPackets    int
	numTopologies int
	numSMEs       int

	ae           wire.AEAD
	authenticate bool
	encrypt      bool
}

// NewSendMessage allocates the message of this uplink slot.  The
// guaranteed topologies are fitted first, then as many SMEs as fit, then
// leftover topologies fill the remaining capacity.
func NewSendMessage(cfg *config.NetworkConfiguration, hop uint8, badAssignee bool,
	assignee wire.NodeID, myTopology *wire.TopologyElement,
	availableTopologies, availableSMEs int, ae wire.AEAD) (*SendMessage, error) {
	m := &SendMessage{
		cfg:          cfg,
		topologySize: wire.TopologyElementSize(cfg.NeighborBitmaskSize(), cfg.UseWeakTopologies),
		smeSize:      wire.SMESize,
		ae:           ae,
		authenticate: cfg.AuthenticateControlMessages || cfg.EncryptControlMessages,
		encrypt:      cfg.EncryptControlMessages,
	}
	m.computePacketAllocation(availableTopologies, availableSMEs)

	m.header = wire.NewUplinkHeader(hop, badAssignee, assignee,
		uint8(m.numTopologies), uint8(m.numSMEs))

	if m.authenticate {
		m.packet.ReserveTag()
	}
	if err := m.packet.PutPanHeader(cfg.PanID); err != nil {
		return nil, err
	}
	if err := m.header.Serialize(&m.packet); err != nil {
		return nil, err
	}
	// The sender's own topology travels as bare bitmaps: its id is
	// implied by the round robin position.
	if err := m.packet.Put(myTopology.Neighbors.Bytes()); err != nil {
		return nil, err
	}
	if myTopology.WeakNeighbors != nil {
		if err := m.packet.Put(myTopology.WeakNeighbors.Bytes()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// computePacketAllocation determines numTopologies, numSMEs and the
// packet count, accounting for elements that would straddle a packet
// boundary (elements are never split).
func (m *SendMessage) computePacketAllocation(availableTopologies, availableSMEs int) {
	maxPackets := int(m.cfg.NumUplinkPackets)
	guaranteed := int(m.cfg.GuaranteedTopologies)

	first := wire.FirstUplinkPacketCapacity(m.cfg)
	other := wire.OtherUplinkPacketCapacity(m.cfg)

	// First pass ignoring packet boundaries: guaranteed topologies,
	// then SMEs, then leftover topologies.
	total := first + (maxPackets-1)*other
	m.numTopologies = min(guaranteed, availableTopologies)
	remainingTopologies := availableTopologies - m.numTopologies
	topologyBytes := m.numTopologies * m.topologySize
	maxSMEs := (total - topologyBytes) / m.smeSize
	m.numSMEs = min(availableSMEs, maxSMEs)
	unused := total - topologyBytes - m.numSMEs*m.smeSize
	m.numTopologies += min(unused/m.topologySize, remainingTopologies)

	// Second pass fitting the counts into actual packets.
	remainingBytes := first
	m.totPackets = 1
	remaining := m.numTopologies
	for {
		fit := min(remaining, remainingBytes/m.topologySize)
		remaining -= fit
		remainingBytes -= fit * m.topologySize
		if remaining == 0 || m.totPackets >= maxPackets {
			break
		}
		m.totPackets++
		remainingBytes = other
	}
	// Corner case: not all topologies fit once split into packets.
	m.numTopologies -= remaining

	remaining = m.numSMEs
	for {
		fit := min(remaining, remainingBytes/m.smeSize)
		remaining -= fit
		remainingBytes -= fit * m.smeSize
		if remaining == 0 || m.totPackets >= maxPackets {
			break
		}
		m.totPackets++
		remainingBytes = other
	}
	m.numSMEs -= remaining
}

// NumPackets returns how many packets the message spans.
func (m *SendMessage) NumPackets() int { return m.totPackets }

// Header returns the first packet header.
func (m *SendMessage) Header() wire.UplinkHeader { return m.header }

// SerializeTopologiesAndSMEs fills the current packet with queued
// elements, topologies first.  SMEs only start once every topology of
// the message has been serialized.
func (m *SendMessage) SerializeTopologiesAndSMEs(topologies *TopologyQueue, smes *SMEQueue) {
	remainingBytes := m.packet.Available()
	packetTopologies := min(m.numTopologies, remainingBytes/m.topologySize)
	for i := 0; i < packetTopologies; i++ {
		e, ok := topologies.Dequeue()
		if !ok {
			break
		}
		if err := e.Serialize(&m.packet); err != nil {
			return
		}
	}
	m.numTopologies -= packetTopologies
	if m.numTopologies > 0 {
		return
	}
	remainingBytes -= packetTopologies * m.topologySize

	packetSMEs := min(m.numSMEs, remainingBytes/m.smeSize)
	for i := 0; i < packetSMEs; i++ {
		sme, ok := smes.Dequeue()
		if !ok {
			break
		}
		if err := sme.Serialize(&m.packet); err != nil {
			return
		}
	}
	m.numSMEs -= packetSMEs
}

// Finalize seals the current packet and returns its bytes; the message
// is then reset for the next packet.
func (m *SendMessage) Finalize() []byte {
	if m.authenticate {
		if m.encrypt {
			m.packet.EncryptAndPutTag(m.ae)
		} else {
			m.packet.PutTag(m.ae)
		}
	}
	raw := make([]byte, len(m.packet.Raw()))
	copy(raw, m.packet.Raw())

	// Prepare the next packet of the message; packets after the first
	// carry no header.
	m.packet.Clear()
	if m.authenticate {
		m.packet.ReserveTag()
	}
	_ = m.packet.PutPanHeader(m.cfg.PanID)
	return raw
}

// ReceiveMessage reassembles and validates the uplink message of the
// currently transmitting node.
type ReceiveMessage struct {
	cfg          *config.NetworkConfiguration
	topologySize int
	smeSize      int

	packet wire.Packet

	totPackets      int
	receivedPackets int

	header         wire.UplinkHeader
	senderTopology *wire.TopologyElement

	packetTopologies int
	packetSMEs       int

	ae           wire.AEAD
	authenticate bool
	encrypt      bool

	// expectMaster relaxes the hop validation for the master's own
	// uplink slot: the master is the only node announcing hop 0.
	expectMaster bool
}

// NewReceiveMessage creates the reassembly state for one uplink slot.
func NewReceiveMessage(cfg *config.NetworkConfiguration, ae wire.AEAD) *ReceiveMessage {
	return &ReceiveMessage{
		cfg:          cfg,
		topologySize: wire.TopologyElementSize(cfg.NeighborBitmaskSize(), cfg.UseWeakTopologies),
		smeSize:      wire.SMESize,
		ae:           ae,
		authenticate: cfg.AuthenticateControlMessages || cfg.EncryptControlMessages,
		encrypt:      cfg.EncryptControlMessages,
	}
}

// Process validates one received frame; a false return means the frame
// is not a well-formed uplink packet and the slot must be abandoned.
func (r *ReceiveMessage) Process(data []byte) bool {
	r.packet.Fill(data)
	if r.authenticate {
		var valid bool
		var err error
		if r.encrypt {
			valid, err = r.packet.VerifyAndDecrypt(r.ae)
		} else {
			valid, err = r.packet.Verify(r.ae)
		}
		if err != nil || !valid {
			return false
		}
	}
	if r.receivedPackets == 0 {
		if !r.checkFirstPacket() {
			return false
		}
	} else {
		if !r.checkOtherPacket() {
			return false
		}
	}
	r.receivedPackets++
	return true
}

// NumPackets returns the advertised packet count, valid after the first
// packet was processed.
func (r *ReceiveMessage) NumPackets() int { return r.totPackets }

// Header returns the message header.
func (r *ReceiveMessage) Header() wire.UplinkHeader { return r.header }

// SenderTopology returns the transmitting node's own topology, stamped
// with its id.
func (r *ReceiveMessage) SenderTopology(id wire.NodeID) *wire.TopologyElement {
	e := r.senderTopology.Clone()
	e.Id = id
	return e
}

// DeserializeTopologiesAndSMEs drains the validated elements of the
// current packet into the forwarding queues.
func (r *ReceiveMessage) DeserializeTopologiesAndSMEs(topologies *TopologyQueue, smes *SMEQueue) {
	for i := 0; i < r.packetTopologies; i++ {
		e, err := wire.DeserializeTopologyElement(&r.packet,
			int(r.cfg.MaxNodes), r.cfg.UseWeakTopologies)
		if err != nil {
			return
		}
		topologies.Enqueue(e.Id, e)
	}
	for i := 0; i < r.packetSMEs; i++ {
		sme, err := wire.DeserializeSME(&r.packet)
		if err != nil {
			return
		}
		smes.Enqueue(sme.Key(), sme)
	}
}

func (r *ReceiveMessage) checkFirstPacket() bool {
	bitmaskSize := r.cfg.NeighborBitmaskSize()
	headerSize := wire.PanHeaderSize + wire.UplinkHeaderSize + bitmaskSize
	if r.cfg.UseWeakTopologies {
		headerSize += bitmaskSize
	}
	if r.packet.Size() < headerSize {
		return false
	}
	if !r.packet.CheckPanHeader(r.cfg.PanID) {
		return false
	}
	if err := r.packet.RemovePanHeader(); err != nil {
		return false
	}
	header, err := wire.DeserializeUplinkHeader(&r.packet)
	if err != nil {
		return false
	}
	if header.Hop() > r.cfg.MaxHops {
		return false
	}
	if header.Hop() == 0 && !r.expectMaster {
		return false
	}
	if uint16(header.Assignee) >= r.cfg.MaxNodes {
		return false
	}
	// The sender's own topology travels as bare bitmaps: its id is
	// implied by the round robin position.
	buf := make([]byte, bitmaskSize)
	if err := r.packet.Get(buf); err != nil {
		return false
	}
	topology := wire.NewTopologyElement(0, int(r.cfg.MaxNodes), r.cfg.UseWeakTopologies)
	copy(topology.Neighbors.Bytes(), buf)
	if r.cfg.UseWeakTopologies {
		if err := r.packet.Get(buf); err != nil {
			return false
		}
		copy(topology.WeakNeighbors.Bytes(), buf)
	}

	if header.NumTopology != 0 || header.NumSME != 0 {
		if !r.checkTopologiesAndSMEs(header) {
			return false
		}
	} else {
		r.packetTopologies = 0
		r.packetSMEs = 0
		if r.totPackets == 0 {
			r.totPackets = 1
		}
		if r.packet.Size() != 0 {
			return false
		}
	}
	r.header = header
	r.senderTopology = topology
	return true
}

func (r *ReceiveMessage) checkOtherPacket() bool {
	if !r.packet.CheckPanHeader(r.cfg.PanID) {
		return false
	}
	if err := r.packet.RemovePanHeader(); err != nil {
		return false
	}
	return r.checkTopologiesAndSMEs(r.header)
}

// checkTopologiesAndSMEs validates the element counts of the header by
// replaying the sender's packet allocation, and strictly validates every
// element landing in the current packet.
func (r *ReceiveMessage) checkTopologiesAndSMEs(header wire.UplinkHeader) bool {
	maxPackets := int(r.cfg.NumUplinkPackets)

	// Replay the allocation: topologies first, SMEs only once every
	// topology has been placed, exactly like the send path.
	type alloc struct{ topologies, smes int }
	remTop := int(header.NumTopology)
	remSME := int(header.NumSME)
	var allocs []alloc
	for p := 0; p < maxPackets; p++ {
		remainingBytes := wire.FirstUplinkPacketCapacity(r.cfg)
		if p > 0 {
			remainingBytes = wire.OtherUplinkPacketCapacity(r.cfg)
		}
		var a alloc
		a.topologies = min(remTop, remainingBytes/r.topologySize)
		remTop -= a.topologies
		remainingBytes -= a.topologies * r.topologySize
		if remTop == 0 {
			a.smes = min(remSME, remainingBytes/r.smeSize)
			remSME -= a.smes
		}
		allocs = append(allocs, a)
		if remTop == 0 && remSME == 0 {
			break
		}
	}
	// The advertised counts must fit the advertised packets.
	if remTop != 0 || remSME != 0 {
		return false
	}

	if r.receivedPackets >= len(allocs) {
		return false
	}
	a := allocs[r.receivedPackets]
	for i := 0; i < a.topologies; i++ {
		offset := r.topologySize * i
		if offset+r.topologySize > r.packet.Size() {
			return false
		}
		if !wire.ValidateTopologyElementInPacket(&r.packet, offset,
			r.cfg.MaxNodes, r.cfg.UseWeakTopologies) {
			return false
		}
	}
	for i := 0; i < a.smes; i++ {
		offset := a.topologies*r.topologySize + r.smeSize*i
		if offset+r.smeSize > r.packet.Size() {
			return false
		}
		if !wire.ValidateSMEInPacket(&r.packet, offset, r.cfg.MaxNodes) {
			return false
		}
	}
	// The packet must contain exactly the elements assigned to it.
	if a.topologies*r.topologySize+a.smes*r.smeSize != r.packet.Size() {
		return false
	}

	if r.totPackets == 0 {
		r.totPackets = len(allocs)
	}
	r.packetTopologies = a.topologies
	r.packetSMEs = a.smes
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
