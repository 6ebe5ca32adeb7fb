// dynamic.go - dynamic node timesync downlink.
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

package timesync

import (
	"encoding/binary"

	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/radio"
)

// DynamicTimesync listens for the master beacon, rebroadcasts it along
// the flood, feeds the measured error into FLOPSYNC-2 and drives the
// resync/desync state machine of a dynamic node.
type DynamicTimesync struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx radio.Transceiver
	clk radio.Clock
	km  *keys.DynamicManager
	nt  *NetworkTime
	vt  *VirtualClock
	log *logging.Logger

	synchronizer *Flopsync2
	status       Status

	// Collaborators notified of resync and desync transitions.
	desyncables []Desyncable
	aligner     Aligner

	// Current hop of this node in the flood, valid while synchronized.
	hop uint8

	measuredFrameStart    int64
	computedFrameStart    int64
	theoreticalFrameStart int64

	clockCorrection int
	receiverWindow  int
	missedPackets   uint8
	packetCounter   uint32

	rebroadcastInterval int64
}

// NewDynamic creates the timesync phase of a dynamic node.
func NewDynamic(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km *keys.DynamicManager,
	nt *NetworkTime, vt *VirtualClock, log *logging.Logger) *DynamicTimesync {
	d := &DynamicTimesync{
		cfg:                 cfg,
		tl:                  tl,
		trx:                 trx,
		clk:                 clk,
		km:                  km,
		nt:                  nt,
		vt:                  vt,
		log:                 log,
		synchronizer:        NewFlopsync2(),
		status:              Desynchronized,
		rebroadcastInterval: slots.RebroadcastInterval(cfg),
	}
	d.receiverWindow = d.synchronizer.ReceiverWindow()
	return d
}

// SetCollaborators wires the components notified on resync and desync.
// Must be called before the MAC loop starts.
func (d *DynamicTimesync) SetCollaborators(aligner Aligner, desyncables ...Desyncable) {
	d.aligner = aligner
	d.desyncables = desyncables
}

// Hop returns the node's hop in the flood, counting the master as hop 1,
// valid while synchronized.
func (d *DynamicTimesync) Hop() uint8 { return d.hop }

// ReceiverWindow returns the current receive window half-width.
func (d *DynamicTimesync) ReceiverWindow() int { return d.receiverWindow }

// Execute runs the timesync slot: a resynchronization scan when the node
// has lost the network, the periodic closed-loop correction otherwise.
func (d *DynamicTimesync) Execute(slotStart int64) {
	// The slot start argument is ignored: this phase is the time source.
	d.next()
	d.trx.Configure(radio.TransceiverConfig{
		Frequency: d.cfg.BaseFreq,
		TxPower:   d.cfg.TxPower,
		CRC:       true,
	})
	if d.status == Desynchronized {
		d.resyncTime()
	} else {
		d.periodicSync()
	}
}

// next advances the predicted frame starts by one sync period.
// theoreticalFrameStart tracks the uncorrected clock: the reference must
// stay the first hook time, otherwise a second unmanaged integrator
// builds up.  computedFrameStart adds the FLOPSYNC-2 correction.
func (d *DynamicTimesync) next() {
	d.theoreticalFrameStart += d.cfg.ClockSyncPeriod
	d.computedFrameStart += d.cfg.ClockSyncPeriod + int64(d.clockCorrection)
}

func (d *DynamicTimesync) periodicSync() {
	correctedStart := d.Correct(d.computedFrameStart)
	var pkt wire.Packet
	res := d.recvSyncPacket(&pkt, correctedStart, true)
	if res.Error != radio.OK {
		d.trx.Idle()
		n := d.missedPacket()
		d.log.Debugf("[T] miss NT=%d u=%d w=%d", d.nt.FromLocal(d.SlotframeStart()),
			d.clockCorrection, d.receiverWindow)
		if n >= d.cfg.MaxMissedTimesyncs {
			d.log.Warningf("[T] lost sync")
		}
		return
	}

	// Rebroadcast with the hop incremented, then process the packet.
	pkt.SetAt(hopOffset, pkt.At(hopOffset)+1)
	d.measuredFrameStart = d.Correct(res.Timestamp)
	d.rebroadcast(&pkt, d.measuredFrameStart)
	d.trx.Idle()

	if !controlCrypto(d.cfg) {
		d.doPeriodicSync(correctedStart, res, &pkt)
		return
	}

	currentMI := d.km.MasterIndex()
	mi := binary.LittleEndian.Uint32(pkt.Bytes()[masterIndexOffset:])
	indexValid := true
	switch {
	case mi < currentMI:
		indexValid = false
	case mi > currentMI+1:
		// The index cannot advance by more than one per beacon.
		indexValid = false
	case mi == currentMI+1:
		switch d.km.Status() {
		case keys.Connected:
			d.km.AttemptAdvance()
		case keys.MasterUntrusted:
			d.km.AdvanceResync()
		}
	}

	verified := true
	if d.cfg.AuthenticateControlMessages {
		verified = d.verifyBeacon(&pkt, d.SlotframeStart(), mi)
	}

	if indexValid && verified {
		if d.km.Status() == keys.Advancing {
			d.km.CommitAdvance()
		}
		d.doPeriodicSync(correctedStart, res, &pkt)
	} else {
		if d.km.Status() == keys.Advancing {
			d.km.RollbackAdvance()
		}
		d.missedPacket()
	}
}

// verifyBeacon checks the beacon's authentication tag with the hop byte
// zeroed, as each hop modifies it along the flood.
func (d *DynamicTimesync) verifyBeacon(pkt *wire.Packet, slotframeStart int64, mi uint32) bool {
	hop := pkt.At(hopOffset)
	pkt.SetAt(hopOffset, 0)
	ocb := d.km.TimesyncOCB()
	tile := d.tl.CurrentTile(d.nt.FromLocal(slotframeStart))
	ocb.SetNonce(tile, 1, mi)
	valid, err := pkt.Verify(ocb)
	if err != nil {
		valid = false
	}
	pkt.SetAt(hopOffset, hop)
	if !valid {
		d.log.Debugf("[T] beacon verify failed")
	}
	return valid
}

func (d *DynamicTimesync) doPeriodicSync(correctedStart int64, res radio.RecvResult, pkt *wire.Packet) {
	d.packetCounter++
	received := binary.LittleEndian.Uint32(pkt.Bytes()[counterOffset:])
	if received != d.packetCounter {
		d.log.Warningf("[T] received wrong packetCounter=%d (should be %d)",
			received, d.packetCounter)
	}

	err := res.Timestamp - d.computedFrameStart
	u, w := d.synchronizer.ComputeCorrection(int(err))
	d.missedPackets = 0
	d.clockCorrection = u
	d.receiverWindow = w
	d.status = InSync
	d.updateVt()
	d.log.Debugf("[T] hop=%d NT=%d ets=%d ats=%d e=%d u=%d w=%d rssi=%d",
		pkt.At(hopOffset), d.nt.FromLocal(d.SlotframeStart()),
		correctedStart, res.Timestamp, err, u, w, res.RSSI)
}

func (d *DynamicTimesync) resyncTime() {
	d.log.Debugf("[T] resync")
	var pkt wire.Packet
	res := d.recvSyncPacket(&pkt, radio.InfiniteTimeout, false)
	if res.Error != radio.OK {
		d.trx.Idle()
		return
	}
	pkt.SetAt(hopOffset, pkt.At(hopOffset)+1)

	// The virtual clock is restarted from the hook time before its
	// first use after the resync, so the clock jump lands here and not
	// in the middle of the first sync period.
	d.reset(res.Timestamp)
	d.updateVt()
	d.measuredFrameStart = d.Correct(res.Timestamp)
	d.rebroadcast(&pkt, d.measuredFrameStart)
	d.trx.Idle()
	d.hop = pkt.At(hopOffset) & 0x7f

	if !controlCrypto(d.cfg) {
		d.doResyncTime(res, &pkt)
		return
	}

	mi := binary.LittleEndian.Uint32(pkt.Bytes()[masterIndexOffset:])
	indexValid := d.km.AttemptResync(mi)
	verified := true
	if d.cfg.AuthenticateControlMessages {
		// The network time offset must be established before the nonce
		// tile can be computed.
		slotframeStart := d.SlotframeStart()
		d.packetCounter = binary.LittleEndian.Uint32(pkt.Bytes()[counterOffset:])
		d.nt.SetOffset(int64(d.packetCounter)*d.cfg.ClockSyncPeriod - slotframeStart)
		verified = d.verifyBeacon(&pkt, slotframeStart, mi)
	}
	if indexValid && verified {
		d.doResyncTime(res, &pkt)
		if !d.cfg.DoMasterChallengeAuthentication {
			d.km.CommitResync()
		} else {
			d.km.SendChallenge()
		}
	} else {
		d.missedPacket()
		d.km.RollbackResync()
	}
}

func (d *DynamicTimesync) doResyncTime(res radio.RecvResult, pkt *wire.Packet) {
	slotframeStart := d.SlotframeStart()
	// Clear the state of all MAC components before re-entering service.
	for _, c := range d.desyncables {
		c.Resync()
	}
	d.packetCounter = binary.LittleEndian.Uint32(pkt.Bytes()[counterOffset:])
	d.nt.SetOffset(int64(d.packetCounter)*d.cfg.ClockSyncPeriod - slotframeStart)
	ntNow := d.nt.FromLocal(slotframeStart)
	if d.aligner != nil {
		d.aligner.AlignToNetworkTime(ntNow)
	}
	d.log.Infof("[T] hop=%d NT=%d ats=%d w=%d rssi=%d",
		pkt.At(hopOffset), ntNow, res.Timestamp, d.receiverWindow, res.RSSI)
}

// rebroadcast floods the beacon to the next hop after the fixed
// rebroadcast interval, unless this node is the last hop.
func (d *DynamicTimesync) rebroadcast(pkt *wire.Packet, arrivalTs int64) {
	if pkt.At(hopOffset)&0x7f >= d.cfg.MaxHops {
		return
	}
	sendTime := arrivalTs + d.rebroadcastInterval
	wakeup := sendTime - radio.SendingNodeWakeupAdvance
	if d.clk.Now() < wakeup {
		d.clk.SleepUntil(wakeup)
	}
	if err := d.trx.SendAt(pkt.Raw(), sendTime); err != nil {
		d.log.Debugf("[T] rebroadcast: %v", err)
	}
}

// recvSyncPacket listens for a valid beacon around tExpected.  With
// checkHop set, only beacons matching the node's current hop are
// accepted; otherwise the first valid beacon hooks the node.
func (d *DynamicTimesync) recvSyncPacket(pkt *wire.Packet, tExpected int64, checkHop bool) radio.RecvResult {
	var timeout int64
	if tExpected == radio.InfiniteTimeout {
		timeout = radio.InfiniteTimeout
	} else {
		timeout = tExpected + int64(d.receiverWindow) +
			radio.PacketPreambleTime + radio.MaxPropagationDelay
		wakeup := tExpected - (radio.ReceivingNodeWakeupAdvance + int64(d.receiverWindow))
		now := d.clk.Now()
		if now+int64(d.receiverWindow) >= tExpected {
			d.log.Warningf("[T] beacon recv too late")
			return radio.RecvResult{Error: radio.Timeout}
		}
		if now < wakeup {
			d.clk.SleepUntil(wakeup)
		}
	}

	var buf [wire.MaxPacketSize]byte
	for {
		res := d.trx.Recv(buf[:], timeout)
		if res.Error == radio.Timeout {
			return res
		}
		if res.Error != radio.OK {
			continue
		}
		if !d.isSyncPacket(buf[:res.Size], res, checkHop) {
			continue
		}
		pkt.Fill(buf[:res.Size])
		return res
	}
}

func (d *DynamicTimesync) isSyncPacket(data []byte, res radio.RecvResult, checkHop bool) bool {
	if !res.TimestampValid {
		return false
	}
	if len(data) != syncPacketSize(d.cfg) {
		return false
	}
	if !validSyncHeader(data, d.cfg) {
		return false
	}
	if checkHop {
		// While synchronized only the upstream hop is trusted; the
		// bad assignee bit never travels in beacons.
		return data[hopOffset] == d.hop-1
	}
	return true
}

// reset restarts all the timestamps from the hook instant.  All further
// times are relative to it, so no correction is needed.
func (d *DynamicTimesync) reset(hookPktTime int64) {
	d.synchronizer.Reset()
	d.computedFrameStart = hookPktTime
	d.theoreticalFrameStart = hookPktTime
	d.receiverWindow = d.synchronizer.ReceiverWindow()
	d.clockCorrection = 0
	d.missedPackets = 0
	d.status = Syncing
}

// missedPacket handles a missed beacon: widen the receiver window and
// reuse the last correction, or desynchronize when too many beacons were
// missed in a row.
func (d *DynamicTimesync) missedPacket() uint8 {
	// The counter advances even without the beacon so the network time
	// stays current.
	d.packetCounter++
	d.measuredFrameStart = d.Correct(d.computedFrameStart)
	d.missedPackets++
	if d.missedPackets >= d.cfg.MaxMissedTimesyncs {
		d.status = Desynchronized
		d.synchronizer.Reset()
		d.desyncMAC()
		// With the correction left in place an unbounded desync would
		// accumulate round-trip conversion error between the forward
		// and inverse clock factors; resetting the correction makes
		// both factors 1.0 and the round trip exact.
		d.clockCorrection = 0
	} else {
		u, w := d.synchronizer.LostPacket()
		d.clockCorrection = u
		d.receiverWindow = w
	}
	d.updateVt()
	return d.missedPackets
}

func (d *DynamicTimesync) desyncMAC() {
	d.km.Desync()
	for _, c := range d.desyncables {
		c.Desync()
	}
}

// ForceDesync desynchronizes the node outside the miss path, used when
// the key manager demands it after a failed challenge.
func (d *DynamicTimesync) ForceDesync() {
	d.status = Desynchronized
	d.synchronizer.Reset()
	d.clockCorrection = 0
	d.desyncMAC()
	d.updateVt()
}

func (d *DynamicTimesync) updateVt() {
	d.vt.Update(d.theoreticalFrameStart, d.computedFrameStart, d.clockCorrection)
}

// SlotframeStart returns the corrected time the current sync slotframe
// started at.
func (d *DynamicTimesync) SlotframeStart() int64 { return d.measuredFrameStart }

// Correct converts an uncorrected local time to the virtual clock.
func (d *DynamicTimesync) Correct(uncorrected int64) int64 {
	return d.vt.Correct(uncorrected)
}

// Status returns the synchronization state.
func (d *DynamicTimesync) Status() Status { return d.status }

// MacCanOperate reports whether the control and data slots may run.
func (d *DynamicTimesync) MacCanOperate() bool { return d.status != Desynchronized }

var _ Phase = (*DynamicTimesync)(nil)
