// expansion.go - incremental expansion of the implicit schedule.
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

// Package downlink implements the schedule distribution downlink and the
// expansion of the implicit schedule into the per-slot action table.
package downlink

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/core/wire"
	"github.com/tdmh/tdmh/dataphase"
	"github.com/tdmh/tdmh/stream"
	"github.com/tdmh/tdmh/timesync"
)

// singleExpansionTime is the budgeted processing time of one implicit
// schedule element, used to amortize the expansion over downlink slots.
const singleExpansionTime = 6_500

// Expander converts the implicit schedule into the explicit per-slot
// action table of this node, incrementally over successive downlink
// slots between schedule reception and activation.
type Expander struct {
	cfg     *config.NetworkConfiguration
	tl      *slots.Timeline
	streams *stream.StreamManager
	nt      *timesync.NetworkTime
	log     *logging.Logger

	myId wire.NodeID

	expansionsPerSlot int

	inProgress bool
	complete   bool
	index      int

	activationTile uint32
	scheduleSlots  int

	explicit      []dataphase.ExplicitScheduleElement
	buffers       map[uint32]*dataphase.SharedBuffer
	forwarded     map[wire.StreamId]int
	uniqueStreams map[wire.StreamId]bool
	wakeupList    []stream.WakeupInfo
}

// NewExpander creates an idle expander.
func NewExpander(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	streams *stream.StreamManager, nt *timesync.NetworkTime,
	log *logging.Logger) *Expander {
	perSlot := int(tl.DownlinkSlotDuration / singleExpansionTime)
	if perSlot < 1 {
		perSlot = 1
	}
	return &Expander{
		cfg:               cfg,
		tl:                tl,
		streams:           streams,
		nt:                nt,
		log:               log,
		myId:              cfg.NetworkID,
		expansionsPerSlot: perSlot,
	}
}

// StartExpansion begins expanding a freshly received schedule.
func (e *Expander) StartExpansion(header wire.ScheduleHeader) {
	if e.inProgress {
		e.log.Warningf("[SD] expansion restarted while in progress")
	}
	e.inProgress = true
	e.complete = false
	e.index = 0
	e.activationTile = header.ActivationTile
	e.scheduleSlots = int(header.ScheduleTiles) * e.tl.SlotsPerTile
	e.explicit = make([]dataphase.ExplicitScheduleElement, e.scheduleSlots)
	e.buffers = make(map[uint32]*dataphase.SharedBuffer)
	e.forwarded = make(map[wire.StreamId]int)
	e.uniqueStreams = make(map[wire.StreamId]bool)
	e.wakeupList = nil
}

// ContinueExpansion processes up to expansionsPerSlot elements of the
// implicit schedule.
func (e *Expander) ContinueExpansion(schedule []wire.DownlinkElement) {
	if !e.inProgress || e.complete {
		return
	}
	last := e.index
	for e.index-last < e.expansionsPerSlot && e.index < len(schedule) {
		e.expandElement(schedule[e.index])
		e.index++
	}
	if e.index >= len(schedule) {
		e.complete = true
		e.inProgress = false
		e.log.Debugf("[SD] N=%d expansion complete, %d buffers", e.myId, len(e.buffers))
	}
}

// expandElement places one implicit element at all its periodic offsets.
func (e *Expander) expandElement(el wire.DownlinkElement) {
	if el.Type != wire.DownlinkSchedule {
		return
	}
	periodSlots := el.PeriodSlots(e.tl.SlotsPerTile)
	action := dataphase.ActionSleep
	var buffer *dataphase.SharedBuffer

	switch {
	case el.Id.Src == e.myId && el.Tx == e.myId:
		action = dataphase.ActionSendStream
	case el.Id.Dst == e.myId && el.Rx == e.myId:
		action = dataphase.ActionRecvStream
	case el.Tx == e.myId && el.Id.Src != e.myId:
		action = dataphase.ActionSendBuffer
		b, ok := e.buffers[el.Id.Key()]
		if !ok {
			// Transmitting from a buffer never received into should
			// not happen.
			e.log.Warningf("[SD] expandSchedule missing buffer")
			b = &dataphase.SharedBuffer{}
			e.buffers[el.Id.Key()] = b
		}
		buffer = b
		e.forwarded[el.Id]++
	case el.Rx == e.myId && el.Id.Dst != e.myId:
		action = dataphase.ActionRecvBuffer
		b, ok := e.buffers[el.Id.Key()]
		if !ok {
			b = &dataphase.SharedBuffer{}
			e.buffers[el.Id.Key()] = b
		}
		// Redundant receptions happily share the buffer.
		buffer = b
	}
	if action == dataphase.ActionSleep {
		// Leave the slots untouched to avoid overwriting already
		// scheduled actions.
		return
	}

	firstSlot := true
	for slot := int(el.Offset); slot < e.scheduleSlots; slot += periodSlots {
		e.explicit[slot] = dataphase.ExplicitScheduleElement{
			Action: action,
			Id:     el.Id,
			Params: el.Params,
			Buffer: buffer,
		}
		if action == dataphase.ActionSendStream && firstSlot && !e.uniqueStreams[el.Id] {
			// Only the first appearance of a redundant stream sets its
			// wakeup time.
			advance := e.streams.WakeupAdvance(el.Id)
			if advance > 0 {
				e.uniqueStreams[el.Id] = true
				e.addStreamToWakeupList(el, advance)
			}
			firstSlot = false
		}
	}
}

// addStreamToWakeupList precomputes the absolute wakeup time of a
// transmitting stream: schedule activation plus the stream's offset,
// minus the transmitter wakeup advance.
func (e *Expander) addStreamToWakeupList(el wire.DownlinkElement, advance int64) {
	activationTime := int64(e.activationTile) * e.cfg.TileDuration
	offsetTime := int64(el.Offset) * e.tl.DataSlotDuration
	// Account for the tile slack of the tiles preceding the slot.
	tileIndex := int(el.Offset) / e.tl.SlotsPerTile
	offsetTime += int64(tileIndex) * e.tl.TileSlack

	wakeupTime := e.nt.ToLocal(activationTime) + offsetTime - advance
	e.wakeupList = append(e.wakeupList, stream.WakeupInfo{
		Id:         el.Id,
		WakeupTime: wakeupTime,
		Period:     int64(el.Params.Period.Tiles()) * e.cfg.TileDuration,
	})
}

// NeedToContinue reports whether expansion work remains.
func (e *Expander) NeedToContinue() bool { return e.inProgress && !e.complete }

// Complete reports whether the explicit schedule is ready.
func (e *Expander) Complete() bool { return e.complete }

// Result hands out the expansion products.
func (e *Expander) Result() ([]dataphase.ExplicitScheduleElement, map[wire.StreamId]int, []stream.WakeupInfo) {
	return e.explicit, e.forwarded, e.wakeupList
}

// Reset drops any in-flight expansion.
func (e *Expander) Reset() {
	e.inProgress = false
	e.complete = false
	e.explicit = nil
	e.buffers = nil
	e.forwarded = nil
	e.wakeupList = nil
	e.uniqueStreams = nil
}
