// downlink.go - schedule distribution shared plumbing.
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

// scheduleRepetitions counts the send rounds of a schedule; the round
// after the last one only applies the schedule locally.
const scheduleRepetitions = 3

// phase holds the state shared by the master and dynamic schedule
// distribution.
type phase struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx radio.Transceiver
	clk radio.Clock
	km  keys.Manager
	nt  *timesync.NetworkTime
	log *logging.Logger

	streams *stream.StreamManager
	data    *dataphase.DataPhase
	wakeup  *stream.WakeupScheduler

	expander *Expander
}

func (p *phase) authenticate() bool {
	return p.cfg.AuthenticateControlMessages || p.cfg.EncryptControlMessages
}

func (p *phase) transceiverConfig() radio.TransceiverConfig {
	return radio.TransceiverConfig{
		Frequency: p.cfg.BaseFreq,
		TxPower:   p.cfg.TxPower,
		CRC:       true,
	}
}

func (p *phase) sendFrame(raw []byte, sendTime int64) {
	wakeup := sendTime - radio.SendingNodeWakeupAdvance
	now := p.clk.Now()
	if now >= sendTime {
		p.log.Warningf("[SD] send too late")
		return
	}
	if now < wakeup {
		p.clk.SleepUntil(wakeup)
	}
	if err := p.trx.SendAt(raw, sendTime); err != nil {
		p.log.Debugf("[SD] send: %v", err)
	}
}

func (p *phase) recvFrame(buf []byte, tExpected int64) radio.RecvResult {
	window := p.cfg.MaxAdmittedRcvWindow
	wakeup := tExpected - (radio.ReceivingNodeWakeupAdvance + window)
	timeout := tExpected + window + radio.PacketPreambleTime + radio.MaxPropagationDelay
	if now := p.clk.Now(); now < wakeup {
		p.clk.SleepUntil(wakeup)
	}
	return p.trx.Recv(buf, timeout)
}

// sealPacket serializes and, when configured, authenticates a schedule
// packet.  The sequence number of the nonce is always 1: one downlink
// packet is sent per slot.
func (p *phase) sealPacket(spkt *wire.SchedulePacket, slotStart int64) (*wire.Packet, error) {
	var pkt wire.Packet
	if p.authenticate() {
		pkt.ReserveTag()
	}
	if err := spkt.Serialize(&pkt, p.cfg.PanID); err != nil {
		return nil, err
	}
	if p.authenticate() {
		ocb := p.km.DownlinkOCB()
		tile := p.tl.CurrentTile(p.nt.FromLocal(slotStart))
		ocb.SetNonce(tile, 1, p.km.MasterIndex())
		if p.cfg.EncryptControlMessages {
			pkt.EncryptAndPutTag(ocb)
		} else {
			pkt.PutTag(ocb)
		}
	}
	return &pkt, nil
}

// openPacket verifies and parses a received schedule packet.
func (p *phase) openPacket(data []byte, slotStart int64) (*wire.SchedulePacket, bool) {
	var pkt wire.Packet
	pkt.Fill(data)
	if p.authenticate() {
		ocb := p.km.DownlinkOCB()
		tile := p.tl.CurrentTile(p.nt.FromLocal(slotStart))
		ocb.SetNonce(tile, 1, p.km.MasterIndex())
		var valid bool
		var err error
		if p.cfg.EncryptControlMessages {
			valid, err = pkt.VerifyAndDecrypt(ocb)
		} else {
			valid, err = pkt.Verify(ocb)
		}
		if err != nil || !valid {
			// An unauthentic packet is treated as not received.
			return nil, false
		}
	}
	if !pkt.CheckPanHeader(p.cfg.PanID) {
		return nil, false
	}
	spkt, err := wire.DeserializeSchedulePacket(&pkt)
	if err != nil {
		return nil, false
	}
	return spkt, true
}

// applyExpanded installs the expansion products into the data phase and
// the stream manager at the activation boundary.
func (p *phase) applyExpanded(schedule []wire.DownlinkElement) {
	explicit, forwarded, wakeupList := p.expander.Result()
	p.data.ApplySchedule(explicit, forwarded)
	p.streams.ApplySchedule(schedule)
	if p.wakeup != nil {
		p.wakeup.SetWakeupList(wakeupList)
	}
}
