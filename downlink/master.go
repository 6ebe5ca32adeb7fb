// master.go - master node schedule distribution.
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

package downlink

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/dataphase"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/scheduler"
	"github.com/tdmh/tdmh/stream"
	"github.com/tdmh/tdmh/timesync"
)

// MasterDistribution floods freshly computed schedules into the network
// with repetitions, and aligns everyone's activation to a tile boundary.
type MasterDistribution struct {
	phase

	schedComp *scheduler.ScheduleComputation
	challenge challengeSolver

	packetCapacity int

	header       wire.ScheduleHeader
	schedule     []wire.DownlinkElement
	position     int
	distributing bool
}

// challengeSolver is the master key manager capability of answering
// queued challenges.
type challengeSolver interface {
	ChallengesPresent() bool
	SolveChallengesAndGetResponses() []wire.DownlinkElement
}

// NewMaster creates the master schedule distribution phase.
func NewMaster(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km keys.Manager,
	nt *timesync.NetworkTime, streams *stream.StreamManager,
	data *dataphase.DataPhase, wakeup *stream.WakeupScheduler,
	schedComp *scheduler.ScheduleComputation, challenge challengeSolver,
	log *logging.Logger) *MasterDistribution {
	m := &MasterDistribution{
		phase: phase{
			cfg:      cfg,
			tl:       tl,
			trx:      trx,
			clk:      clk,
			km:       km,
			nt:       nt,
			log:      log,
			streams:  streams,
			data:     data,
			wakeup:   wakeup,
			expander: NewExpander(cfg, tl, streams, nt, log),
		},
		schedComp: schedComp,
		challenge: challenge,
	}
	m.packetCapacity = wire.SchedulePacketCapacity(m.authenticate())
	return m
}

// Execute runs one schedule distribution downlink slot.
func (m *MasterDistribution) Execute(slotStart int64) {
	if m.schedComp.ScheduleID() != m.header.ScheduleID {
		// A new schedule is available; prepare its distribution and
		// wait for the next downlink before sending the first packet.
		m.prepareDistribution(slotStart)
		m.distributing = true
		return
	}
	if !m.distributing {
		// Between distributions, send a packet whenever info elements
		// or challenge responses are pending.
		if m.schedComp.Streams.NumInfo() != 0 ||
			(m.challenge != nil && m.challenge.ChallengesPresent()) {
			m.sendInfoPacket(slotStart)
		}
		return
	}

	if m.header.Repetition < scheduleRepetitions {
		m.sendSchedulePacket(slotStart)
		m.header.CurrentPacket++
		if m.header.CurrentPacket >= m.header.TotalPackets {
			m.position = 0
			m.header.CurrentPacket = 0
			m.header.Repetition++
		}
		m.expander.ContinueExpansion(m.schedule)
		return
	}

	// All repetitions sent: expand what remains and apply at the
	// activation boundary.
	m.expander.ContinueExpansion(m.schedule)
	if m.checkTimeSetSchedule(slotStart) {
		m.schedComp.ScheduleApplied()
		m.distributing = false
	}
}

func (m *MasterDistribution) prepareDistribution(slotStart int64) {
	schedule := m.schedComp.GetSchedule()
	m.schedule = schedule.Elements
	m.position = 0

	currentTile := m.tl.CurrentTile(m.nt.FromLocal(slotStart))
	// An empty schedule still takes one packet for the header alone.
	numPackets := (len(m.schedule) + m.packetCapacity - 1) / m.packetCapacity
	if numPackets < 1 {
		numPackets = 1
	}

	activationTile := m.activationTile(currentTile, numPackets)
	// Align to the boundary of the previous schedule, if there is one.
	lastScheduleTiles := uint32(m.header.ScheduleTiles)
	if lastScheduleTiles > 0 {
		lastActivationTile := m.header.ActivationTile
		if currentTile >= lastActivationTile {
			aligned := lastActivationTile +
				(activationTile+lastScheduleTiles-1-lastActivationTile)/
					lastScheduleTiles*lastScheduleTiles
			// The aligned activation tile must not be a timesync; if it
			// is, postpone by a full old schedule.
			if m.tl.NumTimesyncs(aligned+1)-m.tl.NumTimesyncs(aligned) > 0 {
				aligned += lastScheduleTiles
			}
			if m.tl.NumTimesyncs(aligned+1)-m.tl.NumTimesyncs(aligned) > 0 {
				m.log.Warningf("[SD] two consecutive timesyncs (aat=%d lst=%d lat=%d)",
					aligned, lastScheduleTiles, lastActivationTile)
			}
			activationTile = aligned
		} else {
			m.log.Warningf("[SD] currentTile=%d < lastActivationTile=%d",
				currentTile, lastActivationTile)
		}
	}

	m.header = wire.ScheduleHeader{
		TotalPackets:   uint16(numPackets),
		CurrentPacket:  0,
		ScheduleID:     schedule.ID,
		ActivationTile: activationTile,
		ScheduleTiles:  uint16(schedule.Tiles),
	}
	m.expander.StartExpansion(m.header)
	m.log.Infof("[SD] schedule %d: %d elements, %d packets, activation tile %d",
		schedule.ID, len(m.schedule), numPackets, activationTile)
}

// activationTile computes the first tile at which the schedule can be
// activated: one free downlink per packet times the number of
// repetitions, skipping the downlinks consumed by timesyncs, aligned to
// a control superframe boundary and never itself a timesync.  Adding
// control superframes to account for timesyncs may encompass further
// timesyncs, so the computation iterates, bounded against runaway
// refinement.
func (m *MasterDistribution) activationTile(currentTile uint32, numPackets int) uint32 {
	numDownlinks := uint32(scheduleRepetitions * numPackets)
	// No packet is sent in the current tile.
	firstTile := currentTile + 1
	cs := m.cfg.ControlSuperframe
	csSize := uint32(cs.Size())
	csDownlinks := uint32(cs.CountDownlinkSlots())

	// Align to the beginning of a control superframe, consuming the
	// downlinks passed along the way.
	activationTile := firstTile
	phase := firstTile % csSize
	if phase != 0 {
		for phase < csSize {
			if cs.IsControlDownlink(int(phase)) && numDownlinks > 0 {
				numDownlinks--
			}
			phase++
			activationTile++
		}
	}

	begin := firstTile
	for i := 0; ; i++ {
		if i >= 10 {
			panic("downlink: activation tile refinement did not converge")
		}
		numSuperframes := numDownlinks / csDownlinks
		activationTile += numSuperframes * csSize
		numDownlinks -= numSuperframes * csDownlinks

		// A partial superframe still advances activation by a full one
		// to preserve the alignment, leaving some downlinks free.
		remaining := uint32(0)
		if numDownlinks > 0 {
			activationTile += csSize
			remaining = csDownlinks - numDownlinks
		}

		numTimesyncs := m.tl.NumTimesyncs(activationTile) - m.tl.NumTimesyncs(begin)
		activationIsTimesync := m.tl.NumTimesyncs(activationTile+1)-m.tl.NumTimesyncs(activationTile) > 0

		switch {
		case numTimesyncs > remaining:
			// More downlinks are needed; adding superframes may
			// encompass further timesyncs, so iterate.
			numDownlinks = numTimesyncs - remaining
			begin = activationTile
		case activationIsTimesync:
			// The activation tile must not be a timesync.  The next
			// superframe cannot start with one too, so no need to
			// iterate.
			return activationTile + csSize
		default:
			return activationTile
		}
	}
}

func (m *MasterDistribution) sendSchedulePacket(slotStart int64) {
	spkt := &wire.SchedulePacket{Header: m.header}
	count := 0
	for count < m.packetCapacity && m.position < len(m.schedule) {
		spkt.Elements = append(spkt.Elements, m.schedule[m.position])
		m.position++
		count++
	}
	// Spare capacity carries info elements and challenge responses.
	m.fillControlElements(spkt, m.packetCapacity-count)
	m.transmit(spkt, slotStart)
}

func (m *MasterDistribution) sendInfoPacket(slotStart int64) {
	spkt := &wire.SchedulePacket{
		Header: wire.ScheduleHeader{ScheduleID: m.header.ScheduleID},
	}
	m.fillControlElements(spkt, m.packetCapacity)
	m.transmit(spkt, slotStart)
	// The master applies its own info elements locally.
	m.streams.ApplyInfoElements(spkt.Elements)
}

func (m *MasterDistribution) fillControlElements(spkt *wire.SchedulePacket, capacity int) {
	if capacity <= 0 {
		return
	}
	infos := m.schedComp.Streams.DequeueInfo(capacity)
	spkt.Elements = append(spkt.Elements, infos...)
	capacity -= len(infos)
	if capacity > 0 && m.challenge != nil && m.challenge.ChallengesPresent() {
		responses := m.challenge.SolveChallengesAndGetResponses()
		if len(responses) > capacity {
			responses = responses[:capacity]
		}
		spkt.Elements = append(spkt.Elements, responses...)
	}
}

func (m *MasterDistribution) transmit(spkt *wire.SchedulePacket, slotStart int64) {
	pkt, err := m.sealPacket(spkt, slotStart)
	if err != nil {
		m.log.Errorf("[SD] packet build: %v", err)
		return
	}
	m.trx.Configure(m.transceiverConfig())
	m.sendFrame(pkt.Raw(), slotStart)
	m.trx.Idle()
}

// checkTimeSetSchedule applies the schedule once the activation tile is
// reached.
func (m *MasterDistribution) checkTimeSetSchedule(slotStart int64) bool {
	currentTile := m.tl.CurrentTile(m.nt.FromLocal(slotStart))
	if currentTile < m.header.ActivationTile {
		return false
	}
	if !m.expander.Complete() {
		m.log.Warningf("[SD] activation tile reached with incomplete expansion")
		m.expander.ContinueExpansion(m.schedule)
		if !m.expander.Complete() {
			return false
		}
	}
	m.applyExpanded(m.schedule)
	m.log.Infof("[SD] schedule %d applied at tile %d", m.header.ScheduleID, currentTile)
	return true
}

// Resync is a no-op at the master.
func (m *MasterDistribution) Resync() {}

// Desync is a no-op at the master.
func (m *MasterDistribution) Desync() {}

var _ timesync.Desyncable = (*MasterDistribution)(nil)
