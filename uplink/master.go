// master.go - master node uplink phase.
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
	"github.com/tdmh/tdmh/scheduler"
	"github.com/tdmh/tdmh/timesync"
	"github.com/tdmh/tdmh/uplink/topology"
)

// MasterUplink is the uplink phase of the master: besides taking part in
// the round robin it drains the collected topologies into the network
// graph and the collected SMEs into the stream collection.
type MasterUplink struct {
	phase

	network    *topology.NetworkTopology
	streams    *scheduler.StreamCollection
	challenges scheduler.ChallengeSink
}

// NewMaster creates the master uplink phase.
func NewMaster(cfg *config.NetworkConfiguration, tl *slots.Timeline,
	trx radio.Transceiver, clk radio.Clock, km keys.Manager,
	nt *timesync.NetworkTime, ts timesync.Phase, smeSource SMESource,
	network *topology.NetworkTopology, streams *scheduler.StreamCollection,
	challenges scheduler.ChallengeSink, log *logging.Logger) *MasterUplink {
	return &MasterUplink{
		phase:      newPhase(cfg, tl, trx, clk, km, nt, ts, smeSource, 0, 0, log),
		network:    network,
		streams:    streams,
		challenges: challenges,
	}
}

// Execute runs one uplink slot at the master.
func (m *MasterUplink) Execute(slotStart int64) {
	currentNode := m.getAndUpdateCurrentNode()
	if currentNode == m.myId {
		m.sendUplink(slotStart, 0)
		// Feed our own topology to ourselves.
		m.topologyQueue.Enqueue(0, m.neighborTable.MyTopologyElement().Clone())
	} else {
		m.receiveUplink(slotStart, currentNode)
	}

	// Consume the collected elements: topologies into the graph, SMEs
	// into the stream collection.
	m.network.HandleTopologies(m.topologyQueue)
	if m.smeSource != nil {
		m.smeSource.DequeueSMEs(m.smeQueue)
	}
	m.streams.ReceiveSMEs(m.smeQueue, m.challenges)
}

// Resync is a no-op at the master, which is never out of sync.
func (m *MasterUplink) Resync() {}

// Desync is a no-op at the master.
func (m *MasterUplink) Desync() {}

var _ timesync.Desyncable = (*MasterUplink)(nil)
var _ timesync.Aligner = (*MasterUplink)(nil)
