// network_topology.go - master-side topology accumulation.
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

package topology

import (
	"sync"

	"github.com/tdmh/tdmh/config"
	"github.com/tdmh/tdmh/core/queue"
	"github.com/tdmh/tdmh/core/wire"
)

// NetworkTopology accumulates the TopologyElements collected by the
// master uplink into the connectivity graph consumed by the scheduler.
// An edge removal only triggers rescheduling when the schedule actually
// uses the removed link; removals observed while a scheduling round is
// in flight are deferred until the scheduler reports its used links.
type NetworkTopology struct {
	mu sync.Mutex

	cfg       *config.NetworkConfiguration
	graph     *NetworkGraph
	weakGraph *NetworkGraph

	modified bool

	scheduleInProgress     bool
	usedLinks              map[Edge]bool
	removedWhileScheduling map[Edge]bool
}

// NewNetworkTopology creates the master topology store.
func NewNetworkTopology(cfg *config.NetworkConfiguration) *NetworkTopology {
	t := &NetworkTopology{
		cfg:                    cfg,
		graph:                  NewNetworkGraph(int(cfg.MaxNodes)),
		usedLinks:              make(map[Edge]bool),
		removedWhileScheduling: make(map[Edge]bool),
	}
	if cfg.UseWeakTopologies {
		t.weakGraph = NewNetworkGraph(int(cfg.MaxNodes))
	}
	return t
}

// HandleTopologies consumes the queued topology elements into the graph.
func (t *NetworkTopology) HandleTopologies(q *queue.Updatable[wire.NodeID, *wire.TopologyElement]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		e, ok := q.Dequeue()
		if !ok {
			return
		}
		t.receivedTopology(e)
	}
}

func (t *NetworkTopology) receivedTopology(e *wire.TopologyElement) {
	src := e.Id
	for i := 0; i < e.Neighbors.BitSize(); i++ {
		if i == int(src) {
			// No auto-arcs.
			continue
		}
		b := wire.NodeID(i)
		if e.Neighbors.Test(i) {
			added := t.graph.AddEdge(src, b)
			if added && t.cfg.ChannelSpatialReuse && !t.cfg.UseWeakTopologies {
				// Without a weak graph the strong one doubles as the
				// interference map, so new arcs can create conflicts.
				t.modified = true
			}
		} else {
			removed := t.graph.RemoveEdge(src, b)
			if removed {
				link := orderLink(src, b)
				if !t.scheduleInProgress {
					if t.usedLinks[link] {
						t.modified = true
					}
				} else {
					// No up-to-date used link set; defer the check.
					t.removedWhileScheduling[link] = true
				}
			}
		}
	}
	if t.weakGraph == nil || e.WeakNeighbors == nil {
		return
	}
	for i := 0; i < e.WeakNeighbors.BitSize(); i++ {
		if i == int(src) {
			continue
		}
		b := wire.NodeID(i)
		if e.WeakNeighbors.Test(i) {
			if t.weakGraph.AddEdge(src, b) {
				// New weak arcs can create conflicts for channel
				// spatial reuse.
				t.modified = true
			}
		} else {
			// Removing weak links cannot break established streams, so
			// no rescheduling is needed.
			t.weakGraph.RemoveEdge(src, b)
		}
	}
}

// WasModified reports and clears the modification flag; a true return
// demands a rescheduling round.
func (t *NetworkTopology) WasModified() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.modified
	t.modified = false
	return m
}

// PeekModified reports the modification flag without clearing it.
func (t *NetworkTopology) PeekModified() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modified
}

// UpdateSchedulerNetworkGraph copies the current graph into dst for the
// scheduler's use, marking a scheduling round as in progress.  It
// returns and clears the modification flag (see WasModified); edge
// additions that do not set that flag are not reported.
func (t *NetworkTopology) UpdateSchedulerNetworkGraph(dst *NetworkGraph) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.modified
	t.modified = false
	t.scheduleInProgress = true
	dst.CopyFrom(t.graph)
	return changed
}

// WriteBackNetworkGraph installs the scheduler's garbage-collected graph
// as the live one, unless new information arrived meanwhile.
func (t *NetworkTopology) WriteBackNetworkGraph(src *NetworkGraph) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.modified {
		return false
	}
	t.graph.CopyFrom(src)
	return true
}

// UsedLinksChanged delivers the link set of the freshly computed
// schedule and re-evaluates removals deferred during the round.
func (t *NetworkTopology) UsedLinksChanged(usedLinks map[Edge]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usedLinks = usedLinks
	t.performDelayedRemovalChecks()
}

// UsedLinksNotChanged closes a scheduling round that kept the previous
// schedule.
func (t *NetworkTopology) UsedLinksNotChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.performDelayedRemovalChecks()
}

func (t *NetworkTopology) performDelayedRemovalChecks() {
	t.scheduleInProgress = false
	for link := range t.removedWhileScheduling {
		if t.usedLinks[link] {
			t.modified = true
			break
		}
	}
	t.removedWhileScheduling = make(map[Edge]bool)
}

// Edges returns the current edge list, for logging.
func (t *NetworkTopology) Edges() []Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.Edges()
}

// WeakGraphSnapshot returns a copy of the weak graph, or nil when weak
// topologies are disabled.
func (t *NetworkTopology) WeakGraphSnapshot() *NetworkGraph {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.weakGraph == nil {
		return nil
	}
	return t.weakGraph.Clone()
}
