// uplink.go - uplink phase round robin and receive path.
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

// Package uplink implements the round-robin collection of topologies and
// stream management elements toward the master.
package uplink

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/timesync"
	"github.com/tdmh/tdmh/uplink/topology"
)

// SMESource hands over the stream management elements a node wants to
// forward toward the master.
type SMESource interface {
	DequeueSMEs(q *SMEQueue)
}

// phase holds the state shared by the master and dynamic uplink phases.
type phase struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx radio.Transceiver
	clk radio.Clock
	km  keys.Manager
	nt  *timesync.NetworkTime
	ts  timesync.Phase
	log *logging.Logger

	myId       wire.NodeID
	nodesCount int
	nextNode   wire.NodeID

	neighborTable *topology.NeighborTable
	topologyQueue *TopologyQueue
	smeQueue      *SMEQueue
	smeSource     SMESource
}

func newPhase(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km keys.Manager,
	nt *timesync.NetworkTime, ts timesync.Phase, smeSource SMESource,
	myId wire.NodeID, myHop uint8, log *logging.Logger) phase {
	return phase{
		cfg:           cfg,
		tl:            tl,
		trx:           trx,
		clk:           clk,
		km:            km,
		nt:            nt,
		ts:            ts,
		log:           log,
		myId:          myId,
		nodesCount:    int(cfg.MaxNodes),
		nextNode:      wire.NodeID(cfg.MaxNodes - 1),
		neighborTable: topology.NewNeighborTable(cfg, myId, myHop),
		topologyQueue: queue.NewUpdatable[wire.NodeID, *wire.TopologyElement](),
		smeQueue:      queue.NewUpdatable[wire.SMEKey, wire.StreamManagementElement](),
		smeSource:     smeSource,
	}
}

// NeighborTable exposes the node's neighbor observations.
func (p *phase) NeighborTable() *topology.NeighborTable { return p.neighborTable }

// AlignToNetworkTime recomputes whose turn it is from the absolute
// network time, so that all nodes agree on the round robin regardless of
// when they joined.
func (p *phase) AlignToNetworkTime(networkTime int64) {
	superframeDuration := p.cfg.ControlSuperframeDuration()
	tileDuration := p.cfg.TileDuration
	numUplinks := int64(p.cfg.ControlSuperframe.CountUplinkSlots())
	cs := p.cfg.ControlSuperframe

	// Half a slot of slack makes the computation robust to time noise.
	time := networkTime + p.tl.DataSlotDuration/2
	superframeCount := time / superframeDuration
	timeWithinSuperframe := time % superframeDuration

	// Number of uplink phases already executed since the time origin.
	uplinkPhase := superframeCount * numUplinks
	for i := 0; i < cs.Size(); i++ {
		if timeWithinSuperframe < tileDuration {
			break
		}
		timeWithinSuperframe -= tileDuration
		if cs.IsControlUplink(i) {
			uplinkPhase++
		}
	}
	p.nextNode = wire.NodeID(int64(p.nodesCount) - 1 - uplinkPhase%int64(p.nodesCount))
}

// getAndUpdateCurrentNode returns the node transmitting in this uplink
// slot and advances the round robin.
func (p *phase) getAndUpdateCurrentNode() wire.NodeID {
	currentNode := p.nextNode
	if p.nextNode == 0 {
		p.nextNode = wire.NodeID(p.nodesCount - 1)
	} else {
		p.nextNode--
	}
	return currentNode
}

func (p *phase) transceiverConfig() radio.TransceiverConfig {
	return radio.TransceiverConfig{
		Frequency: p.cfg.BaseFreq,
		TxPower:   p.cfg.TxPower,
		CRC:       true,
	}
}

// recvFrame listens for one frame expected at tExpected.
func (p *phase) recvFrame(buf []byte, tExpected int64) radio.RecvResult {
	window := p.cfg.MaxAdmittedRcvWindow
	wakeup := tExpected - (radio.ReceivingNodeWakeupAdvance + window)
	timeout := tExpected + window + radio.PacketPreambleTime + radio.MaxPropagationDelay
	if now := p.clk.Now(); now < wakeup {
		p.clk.SleepUntil(wakeup)
	}
	return p.trx.Recv(buf, timeout)
}

// sendFrame transmits raw at the slot's nominal start.
func (p *phase) sendFrame(raw []byte, sendTime int64) {
	wakeup := sendTime - radio.SendingNodeWakeupAdvance
	now := p.clk.Now()
	if now >= sendTime {
		p.log.Warningf("[U] send too late")
		return
	}
	if now < wakeup {
		p.clk.SleepUntil(wakeup)
	}
	if err := p.trx.SendAt(raw, sendTime); err != nil {
		p.log.Debugf("[U] send: %v", err)
	}
}

// receiveUplink listens for the message of currentNode, updating the
// neighbor table and, when this node is the assignee, the forwarding
// queues.
func (p *phase) receiveUplink(slotStart int64, currentNode wire.NodeID) {
	var ae wire.AEAD
	authenticate := p.cfg.AuthenticateControlMessages || p.cfg.EncryptControlMessages
	if authenticate {
		ae = p.km.UplinkOCB()
	}
	message := NewReceiveMessage(p.cfg, ae)
	message.expectMaster = currentNode == 0

	masterIndex := uint32(0)
	var tileNumber uint32
	if authenticate {
		masterIndex = p.km.MasterIndex()
		tileNumber = p.tl.CurrentTile(p.nt.FromLocal(slotStart))
		p.km.UplinkOCB().SetNonce(tileNumber, 1, masterIndex)
	}

	p.trx.Configure(p.transceiverConfig())
	defer p.trx.Idle()

	var buf [wire.MaxPacketSize]byte
	res := p.recvFrame(buf[:], slotStart)
	if res.Error != radio.OK || !message.Process(buf[:res.Size]) {
		p.neighborTable.MissedMessage(currentNode)
		return
	}

	senderTopology := message.SenderTopology(currentNode)
	p.neighborTable.ReceivedMessage(currentNode, message.Header().Hop(),
		res.RSSI, message.Header().BadAssignee(), senderTopology)
	p.log.Debugf("[U]<-N=%d @%d %ddBm", currentNode, p.nt.FromLocal(slotStart), res.RSSI)

	if message.Header().Assignee != p.myId {
		return
	}
	// We are the assignee: collect everything for forwarding on our
	// next turn.
	p.topologyQueue.Enqueue(currentNode, senderTopology)
	message.DeserializeTopologiesAndSMEs(p.topologyQueue, p.smeQueue)
	numPackets := message.NumPackets()
	for i := 1; i < numPackets; i++ {
		// A missed packet of the message aborts the remaining ones.
		slotStart += slots.PacketArrivalAndProcessingTime + slots.TransmissionInterval
		if authenticate {
			p.km.UplinkOCB().SetNonce(tileNumber, uint64(i+1), masterIndex)
		}
		res = p.recvFrame(buf[:], slotStart)
		if res.Error != radio.OK || !message.Process(buf[:res.Size]) {
			break
		}
		message.DeserializeTopologiesAndSMEs(p.topologyQueue, p.smeQueue)
	}
}

// sendUplink transmits this node's message: the neighbor announcement,
// then the queued topologies and SMEs addressed to the best predecessor.
func (p *phase) sendUplink(slotStart int64, hop uint8) {
	var ae wire.AEAD
	authenticate := p.cfg.AuthenticateControlMessages || p.cfg.EncryptControlMessages
	if authenticate {
		ae = p.km.UplinkOCB()
	}

	var masterIndex, tileNumber uint32
	if authenticate {
		masterIndex = p.km.MasterIndex()
		tileNumber = p.tl.CurrentTile(p.nt.FromLocal(slotStart))
	}

	if p.smeSource != nil {
		p.smeSource.DequeueSMEs(p.smeQueue)
	}

	// Without a predecessor, announce ourselves as assignee and carry
	// no payload, to speed up the topology collection.
	assignee := p.myId
	badAssignee := p.neighborTable.IsBadAssignee()
	availableTopologies, availableSMEs := 0, 0
	if p.myId == 0 {
		badAssignee = false
	} else if p.neighborTable.HasPredecessor() {
		assignee = p.neighborTable.BestPredecessor()
		availableTopologies = p.topologyQueue.Len()
		availableSMEs = p.smeQueue.Len()
		if p.neighborTable.BestPredecessorIsBad() {
			p.log.Debugf("[U] assignee chosen is bad")
		}
	} else {
		p.log.Debugf("[U] no predecessor")
	}

	message, err := NewSendMessage(p.cfg, hop, badAssignee, assignee,
		p.neighborTable.MyTopologyElement(), availableTopologies, availableSMEs, ae)
	if err != nil {
		p.log.Errorf("[U] message build: %v", err)
		return
	}

	p.trx.Configure(p.transceiverConfig())
	defer p.trx.Idle()
	p.log.Debugf("[U] N=%d -> @%d", p.myId, p.nt.FromLocal(slotStart))

	for i := 0; i < message.NumPackets(); i++ {
		message.SerializeTopologiesAndSMEs(p.topologyQueue, p.smeQueue)
		if authenticate {
			p.km.UplinkOCB().SetNonce(tileNumber, uint64(i+1), masterIndex)
		}
		p.sendFrame(message.Finalize(), slotStart)
		slotStart += slots.PacketArrivalAndProcessingTime + slots.TransmissionInterval
	}
}

// Resync clears the phase state when the network time is reacquired.
func (p *phase) Resync() {
	p.topologyQueue.Clear()
	p.smeQueue.Clear()
}

// Desync clears the phase state when synchronization is lost.
func (p *phase) Desync() {
	p.topologyQueue.Clear()
	p.smeQueue.Clear()
}
