// dynamic.go - dynamic node uplink phase.
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
	"gopkg.in/op/go-logging.v1"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/crypto/keys"
	"github.com/tdmh/tdmh/core/slots"
	"github.com/tdmh/tdmh/radio"
	"github.com/tdmh/tdmh/timesync"
)

// HopSource exposes the node's current hop, reacquired at every resync.
type HopSource interface {
	Hop() uint8
}

// DynamicUplink is the uplink phase of a dynamic node: when its round
// robin turn comes it forwards the queued topologies and SMEs to its
// best predecessor, otherwise it listens.
type DynamicUplink struct {
	phase

	hopSource HopSource
}

// NewDynamic creates the uplink phase of a dynamic node.
func NewDynamic(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km keys.Manager,
	nt *timesync.NetworkTime, ts timesync.Phase, smeSource SMESource,
	hopSource HopSource, log *logging.Logger) *DynamicUplink {
	myId := cfg.NetworkID
	return &DynamicUplink{
		phase:     newPhase(cfg, tl, trx, clk, km, nt, ts, smeSource, myId, cfg.MaxHops, log),
		hopSource: hopSource,
	}
}

// Execute runs one uplink slot.
func (d *DynamicUplink) Execute(slotStart int64) {
	currentNode := d.getAndUpdateCurrentNode()
	if currentNode == d.myId {
		d.sendUplink(slotStart, d.hopSource.Hop())
	} else {
		d.receiveUplink(slotStart, currentNode)
	}
}

// Resync reinitializes the neighbor table at the hop learned from the
// accepted beacon.
func (d *DynamicUplink) Resync() {
	d.phase.Resync()
	d.neighborTable.Clear(d.hopSource.Hop())
}

// Desync clears the collected state.
func (d *DynamicUplink) Desync() {
	d.phase.Desync()
	d.neighborTable.Clear(d.cfg.MaxHops)
}

var _ timesync.Desyncable = (*DynamicUplink)(nil)
var _ timesync.Aligner = (*DynamicUplink)(nil)
