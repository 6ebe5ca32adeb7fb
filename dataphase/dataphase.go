// dataphase.go - per-slot execution of the explicit schedule.
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

// Package dataphase executes the explicit per-slot action table: sending
// and receiving application stream payloads and forwarding multi-hop
// buffers.
package dataphase

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/stream"
)

// Action is what a node does in one data slot.
type Action uint8

const (
	// ActionSleep saves energy.
	ActionSleep Action = iota
	// ActionSendStream transmits a packet of a stream opened from this
	// node.
	ActionSendStream
	// ActionRecvStream receives a packet of a stream opened to this
	// node.
	ActionRecvStream
	// ActionSendBuffer forwards a saved packet of a multi-hop stream.
	ActionSendBuffer
	// ActionRecvBuffer receives and saves a packet of a multi-hop
	// stream.
	ActionRecvBuffer
)

// SharedBuffer is the forwarding buffer shared by the receiving and
// transmitting slots of the same stream within a schedule period.
type SharedBuffer struct {
	mu   sync.Mutex
	data []byte
	full bool
}

// Store saves a received frame; redundant receptions only overwrite the
// buffer when the first one was missed.
func (b *SharedBuffer) Store(data []byte) {
	b.mu.Lock()
	if !b.full {
		b.data = append(b.data[:0], data...)
		b.full = true
	}
	b.mu.Unlock()
}

// Load returns the saved frame, or nil when empty.
func (b *SharedBuffer) Load() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return nil
	}
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return data
}

// Clear empties the buffer, preventing stale data from crossing into
// the next schedule period.
func (b *SharedBuffer) Clear() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.full = false
	b.mu.Unlock()
}

// ExplicitScheduleElement assigns an action to one slot.
type ExplicitScheduleElement struct {
	Action Action
	Id     wire.StreamId
	Params wire.StreamParameters
	Buffer *SharedBuffer
}

// DataPhase runs the explicit schedule, one action per data slot.
type DataPhase struct {
	cfg *config.NetworkConfiguration
	tl  *slots.Timeline
	trx radio.Transceiver
	clk radio.Clock
	log *logging.Logger

	streams *stream.StreamManager

	mu        sync.Mutex
	explicit  []ExplicitScheduleElement
	slotIndex int

	// forwardedCtr counts the remaining transmissions of each
	// forwarded stream in the period; at zero the buffer is cleared.
	forwardedCtr map[wire.StreamId]*forwardShare
}

type forwardShare struct {
	total     int
	remaining int
	buffer    *SharedBuffer
}

// New creates an idle data phase.
func New(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, streams *stream.StreamManager,
	log *logging.Logger) *DataPhase {
	return &DataPhase{
		cfg:          cfg,
		tl:           tl,
		trx:          trx,
		clk:          clk,
		log:          log,
		streams:      streams,
		forwardedCtr: make(map[wire.StreamId]*forwardShare),
	}
}

// ApplySchedule atomically installs the expanded schedule.  forwarded
// maps each forwarded stream to its number of transmissions per period.
func (d *DataPhase) ApplySchedule(explicit []ExplicitScheduleElement, forwarded map[wire.StreamId]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.explicit = explicit
	d.slotIndex = 0
	d.forwardedCtr = make(map[wire.StreamId]*forwardShare)
	for id, total := range forwarded {
		share := &forwardShare{total: total, remaining: total}
		for i := range explicit {
			if explicit[i].Id == id && explicit[i].Buffer != nil {
				share.buffer = explicit[i].Buffer
				break
			}
		}
		d.forwardedCtr[id] = share
	}
}

// AdvanceBy skips the slots consumed by a control phase.
func (d *DataPhase) AdvanceBy(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.explicit) == 0 {
		return
	}
	d.slotIndex = (d.slotIndex + n) % len(d.explicit)
}

// Execute runs one data slot.
func (d *DataPhase) Execute(slotStart int64) {
	d.mu.Lock()
	if len(d.explicit) == 0 {
		d.mu.Unlock()
		return
	}
	e := d.explicit[d.slotIndex]
	d.slotIndex = (d.slotIndex + 1) % len(d.explicit)
	d.mu.Unlock()

	switch e.Action {
	case ActionSleep:
	case ActionSendStream:
		d.sendFromStream(e, slotStart)
	case ActionRecvStream:
		d.recvToStream(e, slotStart)
	case ActionSendBuffer:
		d.sendFromBuffer(e, slotStart)
	case ActionRecvBuffer:
		d.recvToBuffer(e, slotStart)
	}
}

func (d *DataPhase) sendFromStream(e ExplicitScheduleElement, slotStart int64) {
	var pkt wire.Packet
	if !d.streams.SendPacket(e.Id, &pkt) {
		return
	}
	d.configure()
	d.send(pkt.Raw(), slotStart)
	d.trx.Idle()
}

func (d *DataPhase) recvToStream(e ExplicitScheduleElement, slotStart int64) {
	d.configure()
	var buf [wire.MaxPacketSize]byte
	res := d.recv(buf[:], slotStart)
	d.trx.Idle()
	if res.Error != radio.OK {
		d.streams.MissPacket(e.Id)
		return
	}
	var pkt wire.Packet
	pkt.Fill(buf[:res.Size])
	d.streams.ReceivePacket(e.Id, &pkt)
}

func (d *DataPhase) sendFromBuffer(e ExplicitScheduleElement, slotStart int64) {
	if e.Buffer == nil {
		return
	}
	if data := e.Buffer.Load(); data != nil {
		d.configure()
		d.send(data, slotStart)
		d.trx.Idle()
	}
	// One transmission share consumed either way; at zero the buffer
	// is cleared so no stale data crosses the period.
	d.mu.Lock()
	if share, ok := d.forwardedCtr[e.Id]; ok {
		share.remaining--
		if share.remaining <= 0 {
			share.remaining = share.total
			if share.buffer != nil {
				share.buffer.Clear()
			}
		}
	}
	d.mu.Unlock()
}

func (d *DataPhase) recvToBuffer(e ExplicitScheduleElement, slotStart int64) {
	if e.Buffer == nil {
		return
	}
	d.configure()
	var buf [wire.MaxPacketSize]byte
	res := d.recv(buf[:], slotStart)
	d.trx.Idle()
	if res.Error == radio.OK {
		e.Buffer.Store(buf[:res.Size])
	}
}

func (d *DataPhase) configure() {
	d.trx.Configure(radio.TransceiverConfig{
		Frequency: d.cfg.BaseFreq,
		TxPower:   d.cfg.TxPower,
		CRC:       true,
	})
}

func (d *DataPhase) send(raw []byte, sendTime int64) {
	wakeup := sendTime - radio.SendingNodeWakeupAdvance
	now := d.clk.Now()
	if now >= sendTime {
		d.log.Debugf("[D] send too late")
		return
	}
	if now < wakeup {
		d.clk.SleepUntil(wakeup)
	}
	if err := d.trx.SendAt(raw, sendTime); err != nil {
		d.log.Debugf("[D] send: %v", err)
	}
}

func (d *DataPhase) recv(buf []byte, tExpected int64) radio.RecvResult {
	window := d.cfg.MaxAdmittedRcvWindow
	wakeup := tExpected - (radio.ReceivingNodeWakeupAdvance + window)
	timeout := tExpected + window + radio.PacketPreambleTime + radio.MaxPropagationDelay
	if now := d.clk.Now(); now < wakeup {
		d.clk.SleepUntil(wakeup)
	}
	return d.trx.Recv(buf, timeout)
}

// Resync clears the installed schedule.
func (d *DataPhase) Resync() {
	d.mu.Lock()
	d.explicit = nil
	d.slotIndex = 0
	d.forwardedCtr = make(map[wire.StreamId]*forwardShare)
	d.mu.Unlock()
}

// Desync clears the installed schedule.
func (d *DataPhase) Desync() {
	d.Resync()
}

// HasSchedule reports whether an explicit schedule is installed.
func (d *DataPhase) HasSchedule() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.explicit) > 0
}
