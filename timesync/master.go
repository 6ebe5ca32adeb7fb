// master.go - master node timesync downlink.
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

// initializationDelay gives the master time to finish booting before the
// first beacon leaves the antenna.
const initializationDelay = 1_000_000_000

// MasterTimesync transmits the synchronization beacon once per clock
// sync period.  The master is the time source, so its virtual clock is
// the identity.
type MasterTimesync struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx radio.Transceiver
	clk radio.Clock
	km  keys.Manager
	nt  *NetworkTime
	log *logging.Logger

	slotframeTime int64
	packetCounter uint32
}

// NewMaster creates the master timesync phase.
func NewMaster(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km keys.Manager,
	nt *NetworkTime, log *logging.Logger) *MasterTimesync {
	return &MasterTimesync{
		cfg: cfg,
		tl:  tl,
		trx: trx,
		clk: clk,
		km:  km,
		nt:  nt,
		log: log,
	}
}

// MacStartHook anchors the network time origin right before the MAC loop
// starts.
func (m *MasterTimesync) MacStartHook() {
	m.slotframeTime = m.clk.Now() + initializationDelay
	m.nt.SetOffset(-m.slotframeTime)
	// Initialize accounting for the advance in the first Execute.
	m.slotframeTime -= m.cfg.ClockSyncPeriod
	m.packetCounter = ^uint32(0)
}

// Execute transmits the beacon of this clock sync period.
func (m *MasterTimesync) Execute(slotStart int64) {
	m.next()

	var pkt wire.Packet
	header := buildSyncHeader(m.cfg.PanID, 1, m.packetCounter)
	if err := pkt.Put(header[:]); err != nil {
		panic("timesync: beacon build: " + err.Error())
	}
	if controlCrypto(m.cfg) {
		var mi [4]byte
		binary.LittleEndian.PutUint32(mi[:], m.km.MasterIndex())
		if err := pkt.Put(mi[:]); err != nil {
			panic("timesync: beacon build: " + err.Error())
		}
	}
	m.trx.Configure(radio.TransceiverConfig{
		Frequency: m.cfg.BaseFreq,
		TxPower:   m.cfg.TxPower,
		CRC:       true,
	})
	if m.cfg.AuthenticateControlMessages || m.cfg.EncryptControlMessages {
		pkt.ReserveTag()
		ocb := m.km.TimesyncOCB()
		// The sequence number is always 1 in timesync beacons.
		tile := m.tl.CurrentTile(m.nt.FromLocal(slotStart))
		ocb.SetNonce(tile, 1, m.km.MasterIndex())
		// The tag covers the beacon with the hop byte zeroed, as every
		// hop of the flood rewrites it.
		pkt.SetAt(hopOffset, 0)
		pkt.PutTag(ocb)
		pkt.SetAt(hopOffset, 1)
	}

	m.sendAt(&pkt, m.slotframeTime)
	m.trx.Idle()
	m.log.Debugf("[T] ST=%d NT=%d", m.slotframeTime, m.nt.FromLocal(slotStart))
}

func (m *MasterTimesync) sendAt(pkt *wire.Packet, sendTime int64) {
	wakeup := sendTime - radio.SendingNodeWakeupAdvance
	now := m.clk.Now()
	if now >= sendTime {
		m.log.Warningf("[T] beacon send too late")
		return
	}
	if now < wakeup {
		m.clk.SleepUntil(wakeup)
	}
	if err := m.trx.SendAt(pkt.Raw(), sendTime); err != nil {
		m.log.Errorf("[T] beacon send: %v", err)
	}
}

func (m *MasterTimesync) next() {
	m.slotframeTime += m.cfg.ClockSyncPeriod
	m.packetCounter++
}

// SlotframeStart returns the time the current beacon was scheduled at.
func (m *MasterTimesync) SlotframeStart() int64 { return m.slotframeTime }

// Correct is the identity on the master.
func (m *MasterTimesync) Correct(uncorrected int64) int64 { return uncorrected }

// Status is always InSync on the master.
func (m *MasterTimesync) Status() Status { return InSync }

// MacCanOperate is always true on the master.
func (m *MasterTimesync) MacCanOperate() bool { return true }

var _ Phase = (*MasterTimesync)(nil)
