// dynamic.go - dynamic node schedule distribution.
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
	"github.com/tdmh/tdmh/stream"
	"github.com/tdmh/tdmh/timesync"
)

// distributionStatus tracks the dynamic node's reassembly progress.
type distributionStatus uint8

const (
	statusApplied distributionStatus = iota
	statusReceiving
	statusAwaitingActivation
)

// DynamicDistribution reassembles the schedule flood and activates the
// schedule at the tile boundary all nodes agreed on.
type DynamicDistribution struct {
	phase

	km2 *keys.DynamicManager

	status distributionStatus

	header   wire.ScheduleHeader
	schedule []wire.DownlinkElement
	received []bool
	missing  int

	// resendCounter asks the master for a retransmission when the
	// reassembly stays incomplete too long.
	resendCounter int
}

// resendThreshold is the number of downlinks with an incomplete
// schedule after which a RESEND_SCHEDULE SME is enqueued.
const resendThreshold = 8

// NewDynamic creates the dynamic schedule distribution phase.
func NewDynamic(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km *keys.DynamicManager,
	nt *timesync.NetworkTime, streams *stream.StreamManager,
	data *dataphase.DataPhase, wakeup *stream.WakeupScheduler,
	log *logging.Logger) *DynamicDistribution {
	return &DynamicDistribution{
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
		km2: km,
	}
}

// Execute runs one schedule distribution downlink slot.
func (d *DynamicDistribution) Execute(slotStart int64) {
	d.trx.Configure(d.transceiverConfig())
	var buf [wire.MaxPacketSize]byte
	res := d.recvFrame(buf[:], slotStart)
	d.trx.Idle()

	if res.Error == radio.OK {
		if spkt, ok := d.openPacket(buf[:res.Size], slotStart); ok {
			d.handlePacket(spkt)
		}
	}

	// Expansion and activation advance regardless of this slot's
	// reception.
	d.expander.ContinueExpansion(d.schedule)
	d.checkActivation(slotStart)
	d.checkResend()
}

func (d *DynamicDistribution) handlePacket(spkt *wire.SchedulePacket) {
	header := spkt.Header

	if !header.IsSchedulePacket() {
		// Info-only packet: apply info elements and challenge
		// responses immediately.
		d.applyControlElements(spkt.Elements)
		return
	}

	switch {
	case header.ScheduleID > d.header.ScheduleID:
		// A new schedule starts: reset the reassembly.
		d.header = header
		d.schedule = make([]wire.DownlinkElement, 0)
		d.received = make([]bool, header.TotalPackets)
		d.missing = int(header.TotalPackets)
		d.status = statusReceiving
		d.storePacket(spkt)
	case header.ScheduleID == d.header.ScheduleID && d.status == statusReceiving:
		d.storePacket(spkt)
	default:
		// A schedule with an id not greater than the active one is
		// ignored after activation.
	}
}

// storePacket records one packet of the flood.  Packets are accumulated
// by (scheduleId, currentPacket); repetitions fill the holes left by
// missed rounds.
func (d *DynamicDistribution) storePacket(spkt *wire.SchedulePacket) {
	header := spkt.Header
	idx := int(header.CurrentPacket)
	if idx >= len(d.received) || d.received[idx] {
		// Duplicate or out of range: only the schedule elements are
		// idempotent, the control elements must still be applied once.
		d.applyControlElements(spkt.Elements)
		return
	}
	d.received[idx] = true
	d.missing--

	var scheduleElements []wire.DownlinkElement
	var controlElements []wire.DownlinkElement
	for _, e := range spkt.Elements {
		if e.Type == wire.DownlinkSchedule {
			scheduleElements = append(scheduleElements, e)
		} else {
			controlElements = append(controlElements, e)
		}
	}
	d.schedule = append(d.schedule, scheduleElements...)
	d.applyControlElements(controlElements)

	if d.missing == 0 {
		d.log.Infof("[SD] schedule %d complete: %d elements, activation tile %d",
			d.header.ScheduleID, len(d.schedule), d.header.ActivationTile)
		d.status = statusAwaitingActivation
		d.resendCounter = 0
		d.expander.StartExpansion(d.header)
	}
}

// applyControlElements feeds info elements to the stream manager and
// challenge responses to the key manager.
func (d *DynamicDistribution) applyControlElements(elements []wire.DownlinkElement) {
	var infos []wire.DownlinkElement
	for _, e := range elements {
		switch e.Type {
		case wire.DownlinkInfo:
			infos = append(infos, e)
		case wire.DownlinkResponse:
			d.verifyResponse(e)
		}
	}
	if len(infos) > 0 {
		d.streams.ApplyInfoElements(infos)
	}
}

func (d *DynamicDistribution) verifyResponse(e wire.DownlinkElement) {
	if e.NodeId != d.cfg.NetworkID {
		return
	}
	switch d.km2.Status() {
	case keys.MasterUntrusted, keys.RekeyingUntrusted:
		if d.km2.VerifyResponse(e) {
			d.km2.CommitResync()
			d.log.Infof("[SD] master authenticated, resync committed")
		}
	}
}

// checkActivation applies the reassembled schedule at its activation
// tile.  Every node switches atomically at the same boundary.
func (d *DynamicDistribution) checkActivation(slotStart int64) {
	if d.status != statusAwaitingActivation {
		return
	}
	currentTile := d.tl.CurrentTile(d.nt.FromLocal(slotStart))
	if currentTile < d.header.ActivationTile {
		return
	}
	if !d.expander.Complete() {
		d.log.Warningf("[SD] activation tile reached with incomplete expansion")
		d.expander.ContinueExpansion(d.schedule)
		if !d.expander.Complete() {
			return
		}
	}
	d.applyExpanded(d.schedule)
	d.status = statusApplied
	d.log.Infof("[SD] schedule %d applied at tile %d", d.header.ScheduleID, currentTile)
}

// checkResend asks for a retransmission when the reassembly stalls.
func (d *DynamicDistribution) checkResend() {
	if d.status != statusReceiving {
		d.resendCounter = 0
		return
	}
	d.resendCounter++
	if d.resendCounter >= resendThreshold {
		d.resendCounter = 0
		d.streams.EnqueueSME(wire.NewResendSME(d.cfg.NetworkID))
		d.log.Debugf("[SD] schedule incomplete, resend requested")
	}
}

// Resync drops any partial reassembly.
func (d *DynamicDistribution) Resync() {
	d.header = wire.ScheduleHeader{}
	d.schedule = nil
	d.received = nil
	d.missing = 0
	d.status = statusApplied
	d.resendCounter = 0
	d.expander.Reset()
}

// Desync drops any partial reassembly and the active schedule.
func (d *DynamicDistribution) Desync() {
	d.Resync()
	if d.wakeup != nil {
		d.wakeup.Clear()
	}
}

var _ timesync.Desyncable = (*DynamicDistribution)(nil)
