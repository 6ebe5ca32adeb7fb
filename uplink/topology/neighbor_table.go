// neighbor_table.go - per-node neighbor bookkeeping.
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

// Package topology maintains the neighbor observations of a node and, at
// the master, the network-wide connectivity graph.
package topology

import (
	"sort"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/wire"
)

// NeighborStatus classifies a potential neighbor.
type NeighborStatus uint8

const (
	// NeighborUnknown is a node absent from both topologies.
	NeighborUnknown NeighborStatus = iota
	// NeighborWeak is a node present in the weak topology only.
	NeighborWeak
	// NeighborStrong is a node present in both topologies.
	NeighborStrong
)

// Fixed point base of the RSSI low pass filter.
const rssiOne = 16

// neighbor tracks the observations of one potential neighbor.
type neighbor struct {
	status NeighborStatus
	// avgRssi is a one pole low pass filtered RSSI in fixed point.
	avgRssi int
	// freqTimeoutCtr doubles as link removal timeout and as frequency
	// counter while the node is unknown.
	freqTimeoutCtr int
}

const (
	unknownNeighborThreshold = 11
	unknownNeighborIncrement = 5
	unknownNeighborDecrement = 1
)

func (n *neighbor) reset() {
	n.status = NeighborUnknown
	n.avgRssi = 0
	n.freqTimeoutCtr = 0
}

// updateAvgRssi runs the hardcoded a=0.75 low pass filter.
func (n *neighbor) updateAvgRssi(rssi int) int {
	const a = int(0.75 * rssiOne)
	n.avgRssi = n.avgRssi*a/rssiOne + (rssiOne-a)*rssi
	return n.avgRssi / rssiOne
}

// predecessor is a neighbor with a strictly smaller hop, candidate as
// uplink forwarding parent.
type predecessor struct {
	id      wire.NodeID
	rssi    int
	timeout int
}

// NeighborTable keeps the neighbors of this node, their filtered RSSI
// and the predecessor candidates sorted by descending RSSI.
type NeighborTable struct {
	cfg *config.NetworkConfiguration

	myId        wire.NodeID
	myHop       uint8
	badAssignee bool

	myTopology *wire.TopologyElement
	neighbors  []neighbor

	predecessors []predecessor
}

// NewNeighborTable creates the table of a node at the given initial hop.
func NewNeighborTable(cfg *config.NetworkConfiguration, myId wire.NodeID, myHop uint8) *NeighborTable {
	t := &NeighborTable{
		cfg:        cfg,
		myId:       myId,
		myTopology: wire.NewTopologyElement(myId, int(cfg.MaxNodes), cfg.UseWeakTopologies),
		neighbors:  make([]neighbor, cfg.MaxNodes),
	}
	t.myHop = myHop
	t.badAssignee = true
	return t
}

// Clear resets the table after a resync.
func (t *NeighborTable) Clear(newHop uint8) {
	t.myTopology.Clear()
	t.predecessors = nil
	t.myHop = newHop
	t.badAssignee = true
	for i := range t.neighbors {
		t.neighbors[i].reset()
	}
}

// SetHop updates the node's hop after a resync.
func (t *NeighborTable) SetHop(hop uint8) { t.myHop = hop }

// ReceivedMessage updates the table with the uplink message received
// from currentNode.
func (t *NeighborTable) ReceivedMessage(currentNode wire.NodeID, currentHop uint8,
	rssi int, bad bool, senderTopology *wire.TopologyElement) {
	n := &t.neighbors[currentNode]
	corroborated := senderTopology != nil && senderTopology.Neighbors.Test(int(t.myId))

	switch n.status {
	case NeighborStrong:
		n.updateAvgRssi(rssi)
		n.freqTimeoutCtr = int(t.cfg.MaxRoundsUnavailableBecomesDead)
	case NeighborWeak:
		avg := n.updateAvgRssi(rssi)
		if avg >= int(t.cfg.MinNeighborRSSI) || corroborated {
			t.setStatus(currentNode, NeighborStrong)
			n.freqTimeoutCtr = int(t.cfg.MaxRoundsUnavailableBecomesDead)
		} else {
			n.freqTimeoutCtr = int(t.cfg.MaxRoundsWeakLinkBecomesDead)
		}
	default:
		n.avgRssi = rssi * rssiOne
		switch {
		case rssi >= int(t.cfg.MinNeighborRSSI) || corroborated:
			// A link above the threshold, or one corroborated by the
			// sender hearing us, becomes strong immediately.
			t.setStatus(currentNode, NeighborStrong)
			n.freqTimeoutCtr = int(t.cfg.MaxRoundsUnavailableBecomesDead)
		case t.cfg.UseWeakTopologies && rssi >= int(t.cfg.MinWeakNeighborRSSI):
			n.freqTimeoutCtr += unknownNeighborIncrement
			if n.freqTimeoutCtr >= unknownNeighborThreshold {
				t.setStatus(currentNode, NeighborWeak)
				n.freqTimeoutCtr = int(t.cfg.MaxRoundsWeakLinkBecomesDead)
			}
		}
	}

	// Track the sender as predecessor candidate if it is closer to the
	// master than we are; a node declaring itself a bad assignee gets
	// its priority artificially lowered.
	if currentHop < t.myHop {
		effective := rssi
		if bad {
			effective -= 128
		}
		t.addPredecessor(predecessor{
			id:      currentNode,
			rssi:    effective,
			timeout: int(t.cfg.MaxRoundsUnavailableBecomesDead),
		})
	} else {
		// The sender may have desynced and come back deeper in the
		// network.
		t.removePredecessor(currentNode, true)
	}

	t.evaluateBadAssignee()
}

// MissedMessage updates the table when the uplink slot of currentNode
// stayed silent.
func (t *NeighborTable) MissedMessage(currentNode wire.NodeID) {
	n := &t.neighbors[currentNode]
	switch n.status {
	case NeighborStrong, NeighborWeak:
		n.freqTimeoutCtr--
		if n.freqTimeoutCtr <= 0 {
			if n.status == NeighborStrong && t.cfg.UseWeakTopologies {
				t.setStatus(currentNode, NeighborWeak)
				n.freqTimeoutCtr = int(t.cfg.MaxRoundsWeakLinkBecomesDead)
			} else {
				t.setStatus(currentNode, NeighborUnknown)
				n.avgRssi = 0
			}
		}
	default:
		if n.freqTimeoutCtr > 0 {
			n.freqTimeoutCtr -= unknownNeighborDecrement
		}
	}
	t.decrementPredecessor(currentNode)
	t.evaluateBadAssignee()
}

// setStatus moves a node between the topology bitmaps.
func (t *NeighborTable) setStatus(node wire.NodeID, status NeighborStatus) {
	t.neighbors[node].status = status
	t.myTopology.Neighbors.Set(int(node), status == NeighborStrong)
	if t.myTopology.WeakNeighbors != nil {
		t.myTopology.WeakNeighbors.Set(int(node), status != NeighborUnknown)
	}
}

// Status returns the classification of a node.
func (t *NeighborTable) Status(node wire.NodeID) NeighborStatus {
	return t.neighbors[node].status
}

// AvgRssi returns the filtered RSSI of a node.
func (t *NeighborTable) AvgRssi(node wire.NodeID) int {
	return t.neighbors[node].avgRssi / rssiOne
}

func (t *NeighborTable) addPredecessor(p predecessor) {
	t.removePredecessor(p.id, true)
	t.predecessors = append(t.predecessors, p)
	sort.SliceStable(t.predecessors, func(i, j int) bool {
		return t.predecessors[i].rssi > t.predecessors[j].rssi
	})
}

func (t *NeighborTable) removePredecessor(node wire.NodeID, force bool) {
	for i := range t.predecessors {
		if t.predecessors[i].id == node {
			if force {
				t.predecessors = append(t.predecessors[:i], t.predecessors[i+1:]...)
			}
			return
		}
	}
}

func (t *NeighborTable) decrementPredecessor(node wire.NodeID) {
	for i := range t.predecessors {
		if t.predecessors[i].id == node {
			t.predecessors[i].timeout--
			if t.predecessors[i].timeout <= 0 {
				t.predecessors = append(t.predecessors[:i], t.predecessors[i+1:]...)
			}
			return
		}
	}
}

func (t *NeighborTable) evaluateBadAssignee() {
	switch {
	case t.myId == 0:
		// The master is never a bad assignee.
		t.badAssignee = false
	case len(t.predecessors) == 0:
		t.badAssignee = true
	case t.predecessors[0].rssi < int(t.cfg.MinNeighborRSSI):
		// The best predecessor is itself bad.
		t.badAssignee = true
	default:
		t.badAssignee = false
	}
}

// HasPredecessor reports whether an uplink forwarding parent is known.
func (t *NeighborTable) HasPredecessor() bool { return len(t.predecessors) > 0 }

// BestPredecessor returns the predecessor with the highest RSSI.
func (t *NeighborTable) BestPredecessor() wire.NodeID { return t.predecessors[0].id }

// BestPredecessorIsBad reports whether the chosen assignee is itself a
// bad assignee.
func (t *NeighborTable) BestPredecessorIsBad() bool {
	return t.predecessors[0].rssi < int(t.cfg.MinNeighborRSSI)
}

// IsBadAssignee reports whether this node should not be chosen as
// assignee by others.
func (t *NeighborTable) IsBadAssignee() bool { return t.badAssignee }

// MyTopologyElement returns the node's current neighbor announcement.
func (t *NeighborTable) MyTopologyElement() *wire.TopologyElement { return t.myTopology }
